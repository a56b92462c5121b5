package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/worker"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

type jobDTO struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	Logs        []string        `json:"logs"`
	Result      json.RawMessage `json:"result,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

func toJobDTO(job ingest.Job, withPayload bool) jobDTO {
	dto := jobDTO{
		ID:          job.ID,
		Queue:       job.Queue,
		Status:      string(job.Status),
		Attempts:    job.Attempts,
		Logs:        job.Logs,
		SubmittedAt: job.Submitted,
		StartedAt:   job.Started,
		FinishedAt:  job.Finished,
	}
	if dto.Logs == nil {
		dto.Logs = []string{}
	}
	if len(job.Result) > 0 && json.Valid(job.Result) {
		dto.Result = json.RawMessage(job.Result)
	}
	if withPayload {
		dto.Payload = job.Payload
	}
	return dto
}

// listJobs handles GET /v1/jobs?status=&limit=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status ingest.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, ok := ingest.ParseJobStatus(strings.ToLower(raw))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = parsed
	}
	jobs, err := s.queue.List(r.Context(), s.opts.QueueName, status, limit)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]jobDTO, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobDTO(job, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), s.opts.QueueName, chi.URLParam(r, "job_id"))
	if err != nil {
		s.jobError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(job, true)})
}

// releaseJob returns an active job to the waiting list.
func (s *Server) releaseJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	if err := s.queue.Release(r.Context(), s.opts.QueueName, id); err != nil {
		s.jobError(w, "release job", err)
		return
	}
	s.logger.Info("job released", zap.String("job_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(ingest.JobStatusPending)})
}

func (s *Server) replayAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.replayer == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics replay unavailable")
		return
	}
	job, err := s.replayer.ReplayAnalytics(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, worker.ErrNothingToReplay) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.jobError(w, "replay analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(job, false)})
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	if err := s.queue.Remove(r.Context(), s.opts.QueueName, id); err != nil {
		s.jobError(w, "remove job", err)
		return
	}
	s.logger.Info("job removed", zap.String("job_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ingest.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, ingest.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limit := def
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	return limit, nil
}
