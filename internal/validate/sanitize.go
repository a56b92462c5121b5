package validate

import (
	"encoding/json"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Sanitizers maps a field name to its pipe-separated sanitizer list.
type Sanitizers map[string]string

type sanitizeFunc func(any) any

var sanitizers = map[string]sanitizeFunc{
	"trim":       mapString(strings.TrimSpace),
	"lower":      mapString(strings.ToLower),
	"slug":       mapString(Slugify),
	"strip_tags": mapString(StripTags),
	"url":        mapString(NormalizeURL),
	"bool":       toBool,
	"int":        toInt,
	"float":      toFloat,
	"json":       toJSON,
}

// CheckSanitizers reports the first sanitizer name the engine does not know.
func CheckSanitizers(set Sanitizers) error {
	for field, def := range set {
		for _, r := range parseRules(def) {
			if _, ok := sanitizers[r.name]; !ok {
				return &Error{Violations: []Violation{{Field: field, Rule: r.name, Message: "unknown sanitizer"}}}
			}
		}
	}
	return nil
}

// Sanitize rewrites record in place. Sanitizers never fail: a value that
// cannot be converted is left untouched. Nil fields are skipped.
func Sanitize(record map[string]any, set Sanitizers) {
	for field, def := range set {
		value, ok := record[field]
		if !ok || value == nil {
			continue
		}
		for _, r := range parseRules(def) {
			if fn, ok := sanitizers[r.name]; ok {
				value = fn(value)
			}
		}
		record[field] = value
	}
}

func mapString(fn func(string) string) sanitizeFunc {
	return func(v any) any {
		s, ok := v.(string)
		if !ok {
			return v
		}
		return fn(s)
	}
}

func toBool(v any) any {
	if b, ok := AsBool(v); ok {
		return b
	}
	return v
}

func toInt(v any) any {
	if n, ok := AsInt(v); ok {
		return n
	}
	return v
}

func toFloat(v any) any {
	if f, ok := AsFloat(v); ok {
		return f
	}
	return v
}

func toJSON(v any) any {
	if _, ok := v.(string); ok {
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	return string(data)
}

// Slugify lowercases s, folds accents and joins alphanumeric runs with '-'.
func Slugify(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// StripTags drops markup and returns the unescaped text content.
func StripTags(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}

// NormalizeURL lowercases scheme and host, drops the fragment and a bare
// trailing slash. Unparseable input is returned trimmed.
func NormalizeURL(s string) string {
	s = strings.TrimSpace(s)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return s
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}
	return u.String()
}
