package api

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/metrics"
	"github.com/rtCamp/amp-compatibility-sub001/internal/submission"
)

var errEmptySubmission = errors.New("empty submission")

// submit handles POST /v1/submissions. The body is either the JSON document
// or a form whose "data" field carries it. Only well-formedness is checked
// here; validation happens in the worker.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	payload, err := readSubmission(r)
	if err == nil {
		_, err = submission.Parse(payload)
	}
	if err != nil {
		metrics.ObserveSubmission("rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "fail", "error": err.Error()})
		return
	}

	job, err := s.intake.Enqueue(r.Context(), payload)
	if err != nil {
		metrics.ObserveSubmission("error")
		s.logger.Error("enqueue submission failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "fail", "error": "submission could not be queued"})
		return
	}
	metrics.ObserveSubmission("accepted")
	s.logger.Info("submission queued", zap.String("job_id", job.ID), zap.Int("bytes", len(payload)))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok", "job_id": job.ID})
}

func readSubmission(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var payload []byte
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(32 << 10); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return nil, err
		}
		payload = []byte(r.FormValue("data"))
	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		payload = body
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, errEmptySubmission
	}
	return payload, nil
}
