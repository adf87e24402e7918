package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wp-autoheal/orchestrator/pkg/flapping"
	"github.com/wp-autoheal/orchestrator/pkg/idempotency"
	"github.com/wp-autoheal/orchestrator/pkg/kv"
	"github.com/wp-autoheal/orchestrator/pkg/probe"
	"github.com/wp-autoheal/orchestrator/pkg/queue"
	"github.com/wp-autoheal/orchestrator/pkg/retention"
	"github.com/wp-autoheal/orchestrator/pkg/scheduler"
)

// Dependencies bundles everything the control-plane surface drives. Every
// field is a collaborator already built and started elsewhere; Server only
// validates requests, translates them into calls against these, and shapes
// responses.
type Dependencies struct {
	Logger      *zap.Logger
	Dispatcher  *queue.Dispatcher
	IncidentQ   *queue.Queue
	Checkpoints *idempotency.CheckpointStore
	Flapping    *flapping.Detector
	Retention   *retention.Coordinator
	Anonymizer  scheduler.Anonymizer
	Probe       *probe.Client

	KV *kv.Client
	DB *sqlx.DB

	DefaultMaxFixAttempts int
	SystemHealthCheckURL  string
	CORSOrigins           []string
}

// Server implements the §6.1 control-plane HTTP surface.
type Server struct {
	logger      *zap.Logger
	dispatcher  *queue.Dispatcher
	incidentQ   *queue.Queue
	checkpoints *idempotency.CheckpointStore
	flapping    *flapping.Detector
	retention   *retention.Coordinator
	anonymizer  scheduler.Anonymizer
	probe       *probe.Client

	kv *kv.Client
	db *sqlx.DB

	defaultMaxFixAttempts int
	systemHealthCheckURL  string
	corsOrigins           []string

	validate *validator.Validate
	now      func() time.Time
}

// New builds a Server from deps.
func New(deps Dependencies) *Server {
	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		logger:                deps.Logger,
		dispatcher:            deps.Dispatcher,
		incidentQ:             deps.IncidentQ,
		checkpoints:           deps.Checkpoints,
		flapping:              deps.Flapping,
		retention:             deps.Retention,
		anonymizer:            deps.Anonymizer,
		probe:                 deps.Probe,
		kv:                    deps.KV,
		db:                    deps.DB,
		defaultMaxFixAttempts: deps.DefaultMaxFixAttempts,
		systemHealthCheckURL:  deps.SystemHealthCheckURL,
		corsOrigins:           origins,
		validate:              validator.New(),
		now:                   time.Now,
	}
}

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/incidents", s.handleCreateIncident)
		r.Get("/incidents/{id}", s.handleGetIncident)

		r.Route("/data-retention", func(r chi.Router) {
			r.Post("/purge", s.handlePurge)
			r.Post("/cleanup-artifacts", s.handleCleanupArtifacts)
			r.Post("/anonymize", s.handleAnonymize)
		})

		r.Route("/health-checks", func(r chi.Router) {
			r.Post("/sites/{id}", s.handleHealthCheckSite)
			r.Post("/servers/{id}", s.handleHealthCheckServer)
			r.Post("/system", s.handleHealthCheckSystem)
		})

		r.Route("/queues", func(r chi.Router) {
			r.Get("/stats", s.handleQueueStats)
			r.Put("/{name}/pause", s.handleQueuePause)
			r.Put("/{name}/resume", s.handleQueueResume)
			r.Put("/{name}/clean", s.handleQueueClean)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz checks KV, relational store and queue connectivity per the
// §C supplement ("/readyz checks KV, relational store and queue
// connectivity").
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if err := s.kv.EnsureConnection(ctx); err != nil {
		checks["kv"] = err.Error()
		ready = false
	} else {
		checks["kv"] = "ok"
	}

	if err := s.db.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}

	if s.incidentQ == nil {
		checks["queue"] = "not configured"
		ready = false
	} else if _, err := s.incidentQ.Stats(ctx); err != nil {
		checks["queue"] = err.Error()
		ready = false
	} else {
		checks["queue"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"ready": ready, "checks": checks})
}
