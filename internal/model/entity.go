// Package model describes every persisted entity as data: table, key, columns,
// defaults, rules and sanitizers. Stores interpret these descriptors with one
// generic upsert instead of per-entity code.
package model

import (
	"fmt"
	"strings"

	"github.com/rtCamp/amp-compatibility-sub001/internal/validate"
)

// HashColumn is the primary key column of hash-keyed relationship tables.
const HashColumn = "hash"

// Hasher computes a hex digest.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Reference is a foreign key from Column to the primary key of Entity.
type Reference struct {
	Column   string
	Entity   string
	Nullable bool
}

// Entity is the metadata descriptor of one relational table and its
// analytics mirror.
type Entity struct {
	Name           string
	Table          string
	Key            []string
	HashFields     []string
	Columns        []string
	Defaults       map[string]any
	Rules          validate.Rules
	Sanitizers     validate.Sanitizers
	References     []Reference
	AnalyticsTable string
}

// HashKeyed reports whether rows are identified by a digest of HashFields and
// written insert-or-ignore.
func (e *Entity) HashKeyed() bool {
	return len(e.HashFields) > 0
}

// Record is one row of an entity in field form.
type Record struct {
	Entity *Entity
	Fields map[string]any
}

// NewRecord copies fields into a record of e.
func NewRecord(e *Entity, fields map[string]any) Record {
	out := make(map[string]any, len(fields)+len(e.Defaults))
	for k, v := range fields {
		out[k] = v
	}
	return Record{Entity: e, Fields: out}
}

// ApplyDefaults fills missing or nil fields from the entity defaults.
func (r Record) ApplyDefaults() {
	for field, value := range r.Entity.Defaults {
		if current, ok := r.Fields[field]; !ok || current == nil {
			r.Fields[field] = value
		}
	}
}

// Validate applies defaults then checks every rule. A nil return means the
// record is valid.
func (r Record) Validate() *validate.Error {
	r.ApplyDefaults()
	violations := validate.Validate(r.Fields, r.Entity.Rules)
	if len(violations) == 0 {
		return nil
	}
	return &validate.Error{Entity: r.Entity.Name, Violations: violations}
}

// Finalize sanitizes the record and computes the hash key when the entity is
// hash-keyed. It must run after Validate succeeds.
func (r Record) Finalize(hasher Hasher) error {
	validate.Sanitize(r.Fields, r.Entity.Sanitizers)
	if !r.Entity.HashKeyed() {
		return nil
	}
	parts := make([]string, len(r.Entity.HashFields))
	for i, field := range r.Entity.HashFields {
		parts[i] = stringValue(r.Fields[field])
	}
	digest, err := hasher.Hash([]byte(strings.Join(parts, "\x1f")))
	if err != nil {
		return fmt.Errorf("hash %s: %w", r.Entity.Name, err)
	}
	r.Fields[HashColumn] = digest
	return nil
}

// KeyString joins the primary key values; it identifies the row across both
// stores and doubles as the analytics insert ID suffix.
func (r Record) KeyString() string {
	parts := make([]string, len(r.Entity.Key))
	for i, col := range r.Entity.Key {
		parts[i] = stringValue(r.Fields[col])
	}
	return strings.Join(parts, "|")
}

// Values returns the persisted columns in Columns order.
func (r Record) Values() []any {
	out := make([]any, len(r.Entity.Columns))
	for i, col := range r.Entity.Columns {
		out[i] = r.Fields[col]
	}
	return out
}

// Row returns the persisted columns as a map, the analytics row shape.
func (r Record) Row() map[string]any {
	out := make(map[string]any, len(r.Entity.Columns))
	for _, col := range r.Entity.Columns {
		out[col] = r.Fields[col]
	}
	return out
}

// String returns the field as a string, or "" when absent.
func (r Record) String(field string) string {
	return stringValue(r.Fields[field])
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
