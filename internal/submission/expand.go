// Package submission expands a raw submission document into validated entity
// records.
package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/model"
	"github.com/rtCamp/amp-compatibility-sub001/internal/validate"
)

// ErrMalformed is returned when the payload is not a JSON object.
var ErrMalformed = errors.New("payload is not a JSON object")

// Expander turns submission documents into ordered entity records.
type Expander struct {
	hasher model.Hasher
}

// NewExpander builds an Expander that hashes relationship keys with hasher.
func NewExpander(hasher model.Hasher) *Expander {
	return &Expander{hasher: hasher}
}

// Parse decodes payload into a document, rejecting anything but an object.
func Parse(payload []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc == nil {
		return nil, ErrMalformed
	}
	return doc, nil
}

// Expand parses, validates and sanitizes payload. Validation failures are
// returned as validate.Errors covering every offending record.
func (e *Expander) Expand(jobID string, payload []byte) (ingest.Submission, error) {
	doc, err := Parse(payload)
	if err != nil {
		return ingest.Submission{}, err
	}

	b := &builder{doc: doc, versionBySource: make(map[string]string)}
	site := b.site()
	request := b.request()
	b.extensions("plugins", "plugin")
	b.extensions("themes", "theme")
	b.errors()
	b.errorSources()
	b.urls()

	all := append([]model.Record{site, request}, b.records...)
	var invalid validate.Errors
	for _, rec := range all {
		if verr := rec.Validate(); verr != nil {
			invalid = append(invalid, verr)
		}
	}
	if len(invalid) > 0 {
		return ingest.Submission{}, invalid
	}
	for _, rec := range all {
		if err := rec.Finalize(e.hasher); err != nil {
			return ingest.Submission{}, err
		}
	}

	isSynthetic, _ := request.Fields["is_synthetic"].(bool)
	return ingest.Submission{
		JobID:       jobID,
		UUID:        request.String("uuid"),
		SiteURL:     site.String("site_url"),
		IsSynthetic: isSynthetic,
		Site:        site,
		Request:     request,
		Records:     order(dedupe(b.records)),
	}, nil
}

type builder struct {
	doc     map[string]any
	records []model.Record
	// "<type>:<raw slug>" -> extension_version_slug, for error source lookup.
	versionBySource map[string]string
}

func (b *builder) add(e *model.Entity, fields map[string]any) {
	b.records = append(b.records, model.NewRecord(e, fields))
}

func (b *builder) site() model.Record {
	fields := map[string]any{}
	if info, ok := b.doc["site_info"].(map[string]any); ok {
		for k, v := range info {
			fields[k] = v
		}
	}
	for _, col := range model.Site.Columns {
		if v, ok := b.doc[col]; ok {
			fields[col] = v
		}
	}
	return model.NewRecord(model.Site, fields)
}

func (b *builder) request() model.Record {
	fields := map[string]any{}
	for _, key := range []string{"uuid", "site_url", "is_synthetic"} {
		if v, ok := b.doc[key]; ok {
			fields[key] = v
		}
	}
	return model.NewRecord(model.SiteRequest, fields)
}

func (b *builder) extensions(key, kind string) {
	siteURL := b.doc["site_url"]
	for _, item := range objects(b.doc[key]) {
		rawSlug := str(item["slug"])
		extSlug := kind + "-" + validate.Slugify(rawSlug)
		versionSlug := extSlug + "-" + str(item["version"])
		b.versionBySource[kind+":"+rawSlug] = versionSlug

		homepage := item["plugin_uri"]
		if kind == "theme" {
			homepage = item["theme_uri"]
		}
		if s, ok := homepage.(string); ok && strings.TrimSpace(s) == "" {
			homepage = nil
		}
		b.add(model.Extension, map[string]any{
			"extension_slug": extSlug,
			"name":           item["name"],
			"slug":           item["slug"],
			"type":           kind,
			"homepage":       homepage,
		})
		b.add(model.ExtensionVersion, map[string]any{
			"extension_version_slug": versionSlug,
			"extension_slug":         extSlug,
			"version":                item["version"],
		})
		if profile, ok := item["author_profile"]; ok && !blank(profile) {
			b.add(model.Author, map[string]any{
				"profile":       profile,
				"user_nicename": item["author_nicename"],
				"display_name":  item["author"],
				"avatar_url":    item["author_avatar"],
			})
			b.add(model.AuthorRelationship, map[string]any{
				"extension_slug": extSlug,
				"profile":        profile,
			})
		}
		b.add(model.SiteToExtension, map[string]any{
			"site_url":               siteURL,
			"extension_version_slug": versionSlug,
			"is_active":              item["is_active"],
			"amp_suppressed":         suppressed(item["is_suppressed"]),
		})
	}
}

func (b *builder) errors() {
	for _, item := range objects(b.doc["errors"]) {
		b.add(model.Error, pick(item, model.Error.Columns))
	}
}

func (b *builder) errorSources() {
	for _, item := range objects(b.doc["error_sources"]) {
		fields := pick(item, model.ErrorSource.Columns)
		if slug, ok := b.versionBySource[str(item["type"])+":"+str(item["name"])]; ok {
			fields["extension_version_slug"] = slug
		} else {
			fields["extension_version_slug"] = nil
		}
		b.add(model.ErrorSource, fields)
	}
}

func (b *builder) urls() {
	siteURL := b.doc["site_url"]
	for _, item := range objects(b.doc["urls"]) {
		fields := pick(item, model.AmpValidatedURL.Columns)
		fields["page_url"] = item["url"]
		fields["site_url"] = siteURL
		b.add(model.AmpValidatedURL, fields)

		for _, ref := range objects(item["errors"]) {
			sources := stringList(ref["sources"])
			if len(sources) == 0 {
				b.add(model.URLErrorRelationship, map[string]any{
					"page_url":          item["url"],
					"error_slug":        ref["error_slug"],
					"error_source_slug": nil,
				})
				continue
			}
			for _, source := range sources {
				b.add(model.URLErrorRelationship, map[string]any{
					"page_url":          item["url"],
					"error_slug":        ref["error_slug"],
					"error_source_slug": source,
				})
			}
		}
	}
}

// suppressed maps the plugin's is_suppressed flag: false or "" means not
// suppressed, anything else is the version the suppression applies to.
func suppressed(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		if !t {
			return nil
		}
		return t
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return t
	default:
		return v
	}
}

// dedupe keeps the last record for every entity key.
func dedupe(records []model.Record) []model.Record {
	index := make(map[string]int, len(records))
	out := make([]model.Record, 0, len(records))
	for _, rec := range records {
		key := rec.Entity.Name + "\x00" + rec.KeyString()
		if i, ok := index[key]; ok {
			out[i] = rec
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}

// order sorts records parents-first following model.All.
func order(records []model.Record) []model.Record {
	rank := make(map[*model.Entity]int, len(model.All))
	for i, e := range model.All {
		rank[e] = i
	}
	sort.SliceStable(records, func(i, j int) bool {
		return rank[records[i].Entity] < rank[records[j].Entity]
	})
	return records
}

func pick(item map[string]any, columns []string) map[string]any {
	out := make(map[string]any, len(columns))
	for _, col := range columns {
		if v, ok := item[col]; ok {
			out[col] = v
		}
	}
	return out
}

func objects(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func blank(v any) bool {
	return strings.TrimSpace(str(v)) == ""
}
