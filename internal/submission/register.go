package submission

import (
	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/model"
	"github.com/rtCamp/amp-compatibility-sub001/internal/validate"
)

// Registration validates an operator-registered site request and returns the
// sanitized site record and the request to store as waiting.
func Registration(siteURL, uuid string) (model.Record, ingest.SiteRequest, error) {
	site := model.NewRecord(model.Site, map[string]any{"site_url": siteURL})
	request := model.NewRecord(model.SiteRequest, map[string]any{"site_url": siteURL, "uuid": uuid})

	var invalid validate.Errors
	for _, rec := range []model.Record{site, request} {
		if verr := rec.Validate(); verr != nil {
			invalid = append(invalid, verr)
		}
	}
	if len(invalid) > 0 {
		return model.Record{}, ingest.SiteRequest{}, invalid
	}
	for _, rec := range []model.Record{site, request} {
		if err := rec.Finalize(nil); err != nil {
			return model.Record{}, ingest.SiteRequest{}, err
		}
	}
	return site, ingest.SiteRequest{
		UUID:    request.String("uuid"),
		SiteURL: site.String("site_url"),
		Status:  ingest.RequestWaiting,
	}, nil
}
