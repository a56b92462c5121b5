package api

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtCamp/amp-compatibility-sub001/internal/model"
	"github.com/rtCamp/amp-compatibility-sub001/internal/submission"
)

func siteRecord(t *testing.T) model.Record {
	t.Helper()
	site, _, err := submission.Registration("https://example.com", "abc-123")
	require.NoError(t, err)
	return site
}
