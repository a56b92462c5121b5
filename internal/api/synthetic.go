package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

type syntheticJobDTO struct {
	ID        string          `json:"id"`
	Domain    string          `json:"domain"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Logs      string          `json:"logs,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toSyntheticDTO(job ingest.SyntheticJob) syntheticJobDTO {
	dto := syntheticJobDTO{
		ID:        job.ID,
		Domain:    job.Domain,
		Status:    string(job.Status),
		Logs:      job.Logs,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if len(job.Payload) > 0 && json.Valid(job.Payload) {
		dto.Payload = job.Payload
	}
	if len(job.Result) > 0 && json.Valid(job.Result) {
		dto.Result = job.Result
	}
	return dto
}

type createSyntheticBody struct {
	Domain  string          `json:"domain"`
	Payload json.RawMessage `json:"payload"`
}

type updateSyntheticBody struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Logs   *string         `json:"logs"`
}

func (s *Server) createSyntheticJob(w http.ResponseWriter, r *http.Request) {
	var body createSyntheticBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	body.Domain = strings.TrimSpace(body.Domain)
	if body.Domain == "" {
		writeError(w, http.StatusBadRequest, "domain required")
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("generate synthetic job id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create synthetic job")
		return
	}
	job := ingest.SyntheticJob{
		ID:      id,
		Domain:  body.Domain,
		Status:  ingest.JobStatusPending,
		Payload: body.Payload,
	}
	if err := s.store.CreateSyntheticJob(r.Context(), job); err != nil {
		s.logger.Error("create synthetic job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create synthetic job")
		return
	}
	s.respondSyntheticJob(w, r, id, http.StatusCreated)
}

func (s *Server) getSyntheticJob(w http.ResponseWriter, r *http.Request) {
	s.respondSyntheticJob(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

// updateSyntheticJob applies a status change and optionally replaces the
// result and logs. Terminal jobs cannot change status again.
func (s *Server) updateSyntheticJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body updateSyntheticBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.store.GetSyntheticJob(r.Context(), id)
	if err != nil {
		s.syntheticError(w, err)
		return
	}
	if body.Status != "" {
		status, ok := ingest.ParseJobStatus(body.Status)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		if job.Status.Terminal() && status != job.Status {
			writeError(w, http.StatusConflict, "synthetic job already "+string(job.Status))
			return
		}
		job.Status = status
	}
	if body.Result != nil {
		job.Result = body.Result
	}
	if body.Logs != nil {
		job.Logs = *body.Logs
	}
	if err := s.store.UpdateSyntheticJob(r.Context(), job); err != nil {
		s.syntheticError(w, err)
		return
	}
	s.respondSyntheticJob(w, r, id, http.StatusOK)
}

func (s *Server) respondSyntheticJob(w http.ResponseWriter, r *http.Request, id string, status int) {
	job, err := s.store.GetSyntheticJob(r.Context(), id)
	if err != nil {
		s.syntheticError(w, err)
		return
	}
	writeJSON(w, status, map[string]any{"synthetic_job": toSyntheticDTO(job)})
}

func (s *Server) syntheticError(w http.ResponseWriter, err error) {
	if errors.Is(err, ingest.ErrNotFound) {
		writeError(w, http.StatusNotFound, "synthetic job not found")
		return
	}
	s.logger.Error("synthetic job store failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "synthetic job store failed")
}
