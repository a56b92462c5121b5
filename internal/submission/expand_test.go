package submission

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtCamp/amp-compatibility-sub001/internal/hash/sha256"
	"github.com/rtCamp/amp-compatibility-sub001/internal/model"
	"github.com/rtCamp/amp-compatibility-sub001/internal/validate"
)

func loadFixture(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/submission.json")
	require.NoError(t, err)
	return data
}

func countByEntity(records []model.Record) map[string]int {
	out := map[string]int{}
	for _, rec := range records {
		out[rec.Entity.Name]++
	}
	return out
}

func TestExpandFullDocument(t *testing.T) {
	t.Parallel()

	sub, err := NewExpander(sha256.New()).Expand("job-1", loadFixture(t))
	require.NoError(t, err)

	require.Equal(t, "job-1", sub.JobID)
	require.Equal(t, "abc-123", sub.UUID)
	require.Equal(t, "https://example.com", sub.SiteURL)
	require.False(t, sub.IsSynthetic)

	require.Equal(t, "standard", sub.Site.Fields["amp_mode"], "top-level keys win over site_info")
	require.Equal(t, "Example Blog", sub.Site.Fields["site_title"])
	require.Equal(t, `["post","page"]`, sub.Site.Fields["amp_supported_post_types"])
	require.Equal(t, true, sub.Site.Fields["amp_mobile_redirect"])
	require.Equal(t, false, sub.Site.Fields["object_cache_status"])

	require.Equal(t, map[string]int{
		"author":                 3,
		"extension":              3,
		"extension_version":      3,
		"author_relationship":    3,
		"site_to_extension":      3,
		"error":                  1,
		"error_source":           1,
		"amp_validated_url":      1,
		"url_error_relationship": 1,
	}, countByEntity(sub.Records))

	rank := map[*model.Entity]int{}
	for i, e := range model.All {
		rank[e] = i
	}
	for i := 1; i < len(sub.Records); i++ {
		require.LessOrEqual(t, rank[sub.Records[i-1].Entity], rank[sub.Records[i].Entity])
	}

	for _, rec := range sub.Records {
		switch rec.Entity {
		case model.SiteToExtension:
			if rec.String("extension_version_slug") == "plugin-jetpack-12.8" {
				require.Equal(t, "12.8", rec.Fields["amp_suppressed"])
				require.Equal(t, true, rec.Fields["is_active"])
			} else {
				require.Nil(t, rec.Fields["amp_suppressed"])
			}
		case model.ErrorSource:
			require.Equal(t, "plugin-jetpack-12.8", rec.Fields["extension_version_slug"])
			require.Equal(t, int64(42), rec.Fields["line"])
		case model.Extension:
			if rec.String("slug") == "twentytwentyfour" {
				require.Equal(t, "theme", rec.Fields["type"])
				require.Nil(t, rec.Fields["homepage"])
			}
		case model.AmpValidatedURL:
			require.Equal(t, "https://example.com/hello-world/", rec.Fields["page_url"])
			require.Equal(t, int64(0), rec.Fields["css_size_excluded"])
		case model.URLErrorRelationship:
			require.Len(t, rec.String(model.HashColumn), 64)
		}
	}
}

func TestExpandMinimalDocument(t *testing.T) {
	t.Parallel()

	sub, err := NewExpander(sha256.New()).Expand("job-2", []byte(`{"site_url":"https://example.com","uuid":"abc-123"}`))
	require.NoError(t, err)
	require.Empty(t, sub.Records)
	require.Equal(t, false, sub.Site.Fields["object_cache_status"])
	require.Equal(t, "pending", sub.Request.Fields["status"])
}

func TestExpandReportsMissingFields(t *testing.T) {
	t.Parallel()

	_, err := NewExpander(sha256.New()).Expand("job-3", []byte(`{"uuid":"abc-123"}`))
	var invalid validate.Errors
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, []string{
		"site.site_url: required",
		"site_request.site_url: required",
	}, invalid.Lines())
}

func TestExpandRejectsNonVersionSuppression(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"site_url": "https://example.com",
		"uuid": "abc-123",
		"plugins": [{"name": "AMP", "slug": "amp", "version": "2.0.0", "is_suppressed": "yes"}]
	}`)
	_, err := NewExpander(sha256.New()).Expand("job-4", payload)
	var invalid validate.Errors
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, []string{"site_to_extension.amp_suppressed: version"}, invalid.Lines())
}

func TestExpandRejectsValuesWiderThanColumns(t *testing.T) {
	t.Parallel()

	long := "8." + strings.Repeat("1", 60)
	payload := []byte(`{
		"site_url": "https://example.com",
		"uuid": "abc-123",
		"php_version": "` + long + `",
		"plugins": [{"name": "AMP", "slug": "amp", "version": "` + long + `"}],
		"error_sources": [{"error_source_slug": "src-1", "type": "` + strings.Repeat("p", 60) + `", "name": "amp"}]
	}`)
	_, err := NewExpander(sha256.New()).Expand("job-5", payload)
	var invalid validate.Errors
	require.ErrorAs(t, err, &invalid)
	require.ElementsMatch(t, []string{
		"site.php_version: max",
		"extension_version.version: max",
		"error_source.type: max",
	}, invalid.Lines())
}

func TestExpandMalformed(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{``, `[]`, `null`, `{"site_url":`} {
		_, err := NewExpander(sha256.New()).Expand("job", []byte(payload))
		require.True(t, errors.Is(err, ErrMalformed), payload)
	}
}
