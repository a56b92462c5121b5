package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/submission"
	"github.com/rtCamp/amp-compatibility-sub001/internal/validate"
)

type siteRequestBody struct {
	SiteURL string `json:"site_url"`
	UUID    string `json:"uuid"`
}

// registerSiteRequest records a waiting site request ahead of the site's first
// submission.
func (s *Server) registerSiteRequest(w http.ResponseWriter, r *http.Request) {
	var body siteRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	site, req, err := submission.Registration(body.SiteURL, body.UUID)
	if err != nil {
		var invalid validate.Errors
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "violations": invalid.Lines()})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.RegisterSiteRequest(r.Context(), site, req); err != nil {
		if errors.Is(err, ingest.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "site request already exists")
			return
		}
		s.logger.Error("register site request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register site request")
		return
	}
	stored, err := s.store.GetSiteRequest(r.Context(), req.UUID)
	if err != nil {
		stored = req
	}
	writeJSON(w, http.StatusCreated, map[string]any{"site_request": stored})
}

func (s *Server) getSiteRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetSiteRequest(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "site request not found")
			return
		}
		s.logger.Error("get site request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load site request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site_request": req})
}
