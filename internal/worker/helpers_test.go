package worker

import "github.com/rtCamp/amp-compatibility-sub001/internal/model"

func siteRecord(url string) model.Record {
	rec := model.NewRecord(model.Site, map[string]any{"site_url": url})
	rec.ApplyDefaults()
	return rec
}
