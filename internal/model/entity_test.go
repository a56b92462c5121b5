package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtCamp/amp-compatibility-sub001/internal/hash/sha256"
	"github.com/rtCamp/amp-compatibility-sub001/internal/validate"
)

func TestEntitiesAreWellFormed(t *testing.T) {
	t.Parallel()

	seen := map[string]int{}
	for i, e := range All {
		require.NotEmpty(t, e.Table, e.Name)
		require.NotEmpty(t, e.Key, e.Name)
		require.NoError(t, validate.Check(e.Rules), e.Name)
		require.NoError(t, validate.CheckSanitizers(e.Sanitizers), e.Name)
		for _, key := range e.Key {
			require.Contains(t, e.Columns, key, e.Name)
		}
		for _, ref := range e.References {
			require.Contains(t, e.Columns, ref.Column, e.Name)
			parent, ok := seen[ref.Entity]
			require.True(t, ok, "%s references %s before it is declared", e.Name, ref.Entity)
			require.Less(t, parent, i)
		}
		seen[e.Name] = i
	}
}

func TestSiteDefaultsFilledBeforeValidation(t *testing.T) {
	t.Parallel()

	rec := NewRecord(Site, map[string]any{"site_url": "https://example.com"})
	require.Nil(t, rec.Validate())
	require.Equal(t, false, rec.Fields["object_cache_status"])
	require.Equal(t, false, rec.Fields["wp_multisite"])
}

func TestRecordValidateNamesEntity(t *testing.T) {
	t.Parallel()

	rec := NewRecord(SiteToExtension, map[string]any{
		"site_url":               "https://example.com",
		"extension_version_slug": "plugin-amp-2.0.0",
		"amp_suppressed":         "yes",
	})
	verr := rec.Validate()
	require.NotNil(t, verr)
	require.Equal(t, []string{"site_to_extension.amp_suppressed: version"}, verr.Lines())
}

func TestFinalizeComputesHashKey(t *testing.T) {
	t.Parallel()

	hasher := sha256.New()
	a := NewRecord(AuthorRelationship, map[string]any{"extension_slug": "plugin-amp", "profile": "https://profiles.wordpress.org/amp/"})
	b := NewRecord(AuthorRelationship, map[string]any{"extension_slug": "plugin-amp", "profile": "https://PROFILES.wordpress.org/amp/"})
	require.NoError(t, a.Finalize(hasher))
	require.NoError(t, b.Finalize(hasher))

	require.Len(t, a.String(HashColumn), 64)
	require.Equal(t, a.KeyString(), b.KeyString())
	require.Equal(t, a.Row(), b.Row())
}

func TestValuesFollowColumns(t *testing.T) {
	t.Parallel()

	rec := NewRecord(SiteToExtension, map[string]any{
		"site_url":               "https://example.com",
		"extension_version_slug": "plugin-amp-2.0.0",
		"is_active":              true,
		"unknown":                "dropped",
	})
	require.Equal(t, []any{"https://example.com", "plugin-amp-2.0.0", true, nil}, rec.Values())
	require.Equal(t, "https://example.com|plugin-amp-2.0.0", rec.KeyString())
}

func TestByName(t *testing.T) {
	t.Parallel()

	e, ok := ByName("extension_version")
	require.True(t, ok)
	require.Same(t, ExtensionVersion, e)
	_, ok = ByName("nope")
	require.False(t, ok)
}

func TestRulesMatchColumnWidths(t *testing.T) {
	t.Parallel()

	version := func(n int) string { return "1." + strings.Repeat("0", n-2) }
	text := func(n int) string { return strings.Repeat("a", n) }
	cases := []struct {
		entity *Entity
		field  string
		width  int
		value  func(int) string
	}{
		{Site, "php_version", 50, version},
		{Site, "wp_version", 50, version},
		{Site, "libxml_version", 50, version},
		{Site, "amp_version", 50, version},
		{Extension, "latest_version", 50, version},
		{ExtensionVersion, "version", 50, version},
		{SiteToExtension, "amp_suppressed", 50, version},
		{ErrorSource, "type", 50, text},
		{ErrorSource, "name", 255, text},
		{ErrorSource, "hook", 255, text},
		{Error, "type", 255, text},
		{Error, "node_name", 255, text},
		{URLErrorRelationship, "error_slug", 255, text},
	}
	for _, tc := range cases {
		t.Run(tc.entity.Name+"."+tc.field, func(t *testing.T) {
			t.Parallel()
			rules := validate.Rules{tc.field: tc.entity.Rules[tc.field]}
			require.Empty(t, validate.Validate(map[string]any{tc.field: tc.value(tc.width)}, rules))

			violations := validate.Validate(map[string]any{tc.field: tc.value(tc.width + 1)}, rules)
			require.Len(t, violations, 1)
			require.Equal(t, "max", violations[0].Rule)
		})
	}
}

func TestIntegerColumnsRejectOverflow(t *testing.T) {
	t.Parallel()

	rules := validate.Rules{"line": ErrorSource.Rules["line"]}
	require.Empty(t, validate.Validate(map[string]any{"line": 2147483647.0}, rules))
	violations := validate.Validate(map[string]any{"line": 2147483648.0}, rules)
	require.Len(t, violations, 1)
	require.Equal(t, "max", violations[0].Rule)
}
