package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/metrics"
	"github.com/rtCamp/amp-compatibility-sub001/internal/ratelimit"
)

// Enqueuer accepts raw submissions.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) (ingest.Job, error)
}

// Replayer re-sends analytics rows for a failed job.
type Replayer interface {
	ReplayAnalytics(ctx context.Context, jobID string) (ingest.Job, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the Server.
type Options struct {
	QueueName      string
	AuthEnabled    bool
	APIKey         string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	// Readiness lists the dependencies checked by /readyz, by name.
	Readiness map[string]Pinger
	// IntakeLimiter throttles submissions per client address. Nil disables it.
	IntakeLimiter *ratelimit.Limiter
}

// Server wires HTTP handlers to the queue and stores.
type Server struct {
	router   chi.Router
	intake   Enqueuer
	queue    ingest.Queue
	store    ingest.RelationalStore
	replayer Replayer
	ids      ingest.IDGenerator
	opts     Options
	logger   *zap.Logger
}

const (
	defaultMaxBodyBytes   = 10 << 20
	defaultRequestTimeout = 30 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(
	intake Enqueuer,
	queue ingest.Queue,
	store ingest.RelationalStore,
	replayer Replayer,
	ids ingest.IDGenerator,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		intake:   intake,
		queue:    queue,
		store:    store,
		replayer: replayer,
		ids:      ids,
		opts:     opts,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if opts.IntakeLimiter != nil && opts.IntakeLimiter.Enabled() {
			r.Use(intakeLimitMiddleware(opts.IntakeLimiter))
		}
		r.Post("/v1/submissions", s.submit)
		r.Post("/api/v1/amp-wp", s.submit)
	})

	r.Group(func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.removeJob)
				r.Post("/release", s.releaseJob)
				r.Post("/replay-analytics", s.replayAnalytics)
			})
		})
		r.Route("/v1/site-requests", func(r chi.Router) {
			r.Post("/", s.registerSiteRequest)
			r.Get("/{uuid}", s.getSiteRequest)
		})
		r.Route("/v1/synthetic-jobs", func(r chi.Router) {
			r.Post("/", s.createSyntheticJob)
			r.Get("/{id}", s.getSyntheticJob)
			r.Patch("/{id}", s.updateSyntheticJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, dep := range s.opts.Readiness {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failed", failed))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
