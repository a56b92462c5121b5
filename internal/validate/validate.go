// Package validate interprets declarative field rules and sanitizers.
//
// Rules are written as pipe-separated strings ("required|url", "in:plugin,theme",
// "max:255") keyed by field name. Validation reports the first failing rule of
// every field so a caller sees all offending fields at once.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Rules maps a field name to its pipe-separated rule list.
type Rules map[string]string

// Violation is one failed rule on one field.
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Error aggregates the violations found on one entity.
type Error struct {
	Entity     string
	Violations []Violation
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Entity, strings.Join(e.Lines(), "; "))
}

// Lines renders each violation as "entity.field: rule".
func (e *Error) Lines() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if e.Entity == "" {
			out = append(out, fmt.Sprintf("%s: %s", v.Field, v.Rule))
			continue
		}
		out = append(out, fmt.Sprintf("%s.%s: %s", e.Entity, v.Field, v.Rule))
	}
	return out
}

type rule struct {
	name string
	arg  string
}

type checkFunc func(value any, arg string) bool

var versionPattern = regexp.MustCompile(`^v?\d+(\.\d+){0,3}([-+~][0-9A-Za-z.+~-]+)?$`)

var checks = map[string]checkFunc{
	"string":  func(v any, _ string) bool { _, ok := v.(string); return ok },
	"url":     func(v any, _ string) bool { return isURL(v) },
	"in":      checkIn,
	"version": checkVersion,
	"boolean": func(v any, _ string) bool { _, ok := AsBool(v); return ok },
	"integer": func(v any, _ string) bool { _, ok := AsInt(v); return ok },
	"numeric": func(v any, _ string) bool { _, ok := AsFloat(v); return ok },
	"uuid":    checkUUID,
	"max":     checkMax,
}

func parseRules(def string) []rule {
	var out []rule
	for _, part := range strings.Split(def, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, arg, _ := strings.Cut(part, ":")
		out = append(out, rule{name: name, arg: arg})
	}
	return out
}

// Check reports the first rule name in rules that the engine does not know.
func Check(rules Rules) error {
	for field, def := range rules {
		for _, r := range parseRules(def) {
			if r.name == "required" {
				continue
			}
			if _, ok := checks[r.name]; !ok {
				return fmt.Errorf("field %q: unknown rule %q", field, r.name)
			}
		}
	}
	return nil
}

// Validate evaluates every field of rules against record. Absent and nil
// fields are only checked by "required". "max" compares the value itself when
// the field also carries "integer" or "numeric", and its length otherwise.
func Validate(record map[string]any, rules Rules) []Violation {
	fields := make([]string, 0, len(rules))
	for field := range rules {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var violations []Violation
	for _, field := range fields {
		value, present := record[field]
		parsed := parseRules(rules[field])
		numeric := hasRule(parsed, "integer") || hasRule(parsed, "numeric")
		for _, r := range parsed {
			if r.name == "required" {
				if !present || isBlank(value) {
					violations = append(violations, Violation{Field: field, Rule: "required", Message: "is required"})
					break
				}
				continue
			}
			if !present || value == nil {
				break
			}
			check, ok := checks[r.name]
			if r.name == "max" && !numeric {
				check = checkMaxLength
			}
			if !ok || !check(value, r.arg) {
				violations = append(violations, Violation{Field: field, Rule: r.name, Message: message(r)})
				break
			}
		}
	}
	return violations
}

func hasRule(rules []rule, name string) bool {
	for _, r := range rules {
		if r.name == name {
			return true
		}
	}
	return false
}

func message(r rule) string {
	switch r.name {
	case "in":
		return "must be one of " + r.arg
	case "max":
		return "must not exceed " + r.arg
	case "url":
		return "must be an absolute http(s) URL"
	case "version":
		return "must be a version string"
	default:
		return "must be " + r.name
	}
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}

func isURL(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func checkIn(v any, arg string) bool {
	s, ok := scalarString(v)
	if !ok {
		return false
	}
	for _, allowed := range strings.Split(arg, ",") {
		if s == strings.TrimSpace(allowed) {
			return true
		}
	}
	return false
}

func checkVersion(v any, _ string) bool {
	s, ok := scalarString(v)
	if !ok {
		return false
	}
	return versionPattern.MatchString(s)
}

func checkUUID(v any, _ string) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func checkMax(v any, arg string) bool {
	limit, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return float64(utf8.RuneCountInString(t)) <= limit
	case []any:
		return float64(len(t)) <= limit
	case map[string]any:
		return float64(len(t)) <= limit
	}
	if f, ok := AsFloat(v); ok {
		return f <= limit
	}
	return false
}

// checkMaxLength bounds the character count of scalars and the size of
// lists and objects.
func checkMaxLength(v any, arg string) bool {
	limit, err := strconv.Atoi(arg)
	if err != nil {
		return false
	}
	switch t := v.(type) {
	case []any:
		return len(t) <= limit
	case map[string]any:
		return len(t) <= limit
	}
	s, ok := scalarString(v)
	return ok && utf8.RuneCountInString(s) <= limit
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}

// AsBool accepts booleans plus the usual wire spellings: 0/1 and "true"/"false".
func AsBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true, true
		case "0", "false", "no", "off", "":
			return false, true
		}
		return false, false
	}
	if f, ok := AsFloat(v); ok && (f == 0 || f == 1) {
		return f == 1, true
	}
	return false, false
}

// AsInt accepts integral numbers and integral numeric strings.
func AsInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	f, ok := AsFloat(v)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	// 2^63 is exactly representable; anything at or past it overflows int64.
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// AsFloat accepts any number or numeric string.
func AsFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil && !math.IsNaN(f)
	default:
		return 0, false
	}
}

// Errors collects the entity errors found in one document.
type Errors []*Error

func (e Errors) Error() string {
	return strings.Join(e.Lines(), "; ")
}

// Lines flattens every entity error into "entity.field: rule" lines.
func (e Errors) Lines() []string {
	var out []string
	for _, err := range e {
		out = append(out, err.Lines()...)
	}
	return out
}
