// Package api is the HTTP surface of the audit subsystem. Authentication is
// handled upstream; the proxy forwards the authenticated user in X-Actor-Id.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yourorg/assetledger/internal/ledger"
	"github.com/yourorg/assetledger/internal/mirror"
	"github.com/yourorg/assetledger/internal/schedule"
	"github.com/yourorg/assetledger/internal/scheduler"
	"github.com/yourorg/assetledger/internal/snapshotrun"
)

type SnapshotRunner interface {
	Run(ctx context.Context, req snapshotrun.Request) (snapshotrun.Result, error)
	MailConfigured() bool
}

type RunLister interface {
	List(ctx context.Context, limit int) ([]snapshotrun.RunLog, error)
}

type ScheduleStore interface {
	Get(ctx context.Context) (schedule.Config, error)
	Save(ctx context.Context, cfg schedule.Config, mailConfigured bool) (schedule.Config, error)
}

type Ledger interface {
	List(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error)
	Verify(ctx context.Context) (ledger.VerifyReport, error)
	SetEnabled(ctx context.Context, enabled bool, actorID *int64) error
	Enabled(ctx context.Context) (bool, error)
}

type MirrorVerifier interface {
	Verify(ctx context.Context, channelID string) (mirror.VerifyReport, error)
}

type JobStatusSource interface {
	Status() []scheduler.JobStatus
}

// Deps are the collaborators behind the routes. Incidents, Jobs and Metrics
// may be nil.
type Deps struct {
	Runner    SnapshotRunner
	Runs      RunLister
	Schedules ScheduleStore
	Ledger    Ledger
	Mirrors   MirrorVerifier
	Incidents IncidentEngine
	Jobs      JobStatusSource
	Metrics   http.Handler

	// RateLimitPerMinute caps manual snapshot triggers per actor; 0 disables.
	RateLimitPerMinute int
	MaxBundleBytes     int64
	Clock              clock.Clock
	Logger             *slog.Logger
}

type Server struct {
	deps     Deps
	throttle *triggerThrottle
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.MaxBundleBytes <= 0 {
		deps.MaxBundleBytes = 512 << 20
	}
	return &Server{
		deps:     deps,
		throttle: newTriggerThrottle(deps.RateLimitPerMinute, time.Minute, deps.Clock),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.correlate)

	r.Route("/audit", func(r chi.Router) {
		r.With(s.throttleTriggers).Post("/snapshots", s.createSnapshot)
		r.Get("/snapshots/runs", s.listRuns)
		r.Post("/snapshots/verify", s.verifyBundle)

		r.Get("/schedule", s.getSchedule)
		r.Put("/schedule", s.putSchedule)

		r.Get("/ledger", s.listLedger)
		r.Get("/ledger/verify", s.verifyLedger)
		r.Get("/ledger/enabled", s.getLedgerEnabled)
		r.Put("/ledger/enabled", s.putLedgerEnabled)

		r.Get("/mirrors/{channel}/verify", s.verifyMirror)
	})
	if s.deps.Incidents != nil {
		r.Route("/incidents", func(r chi.Router) {
			r.Post("/", s.recordIncident)
			r.Post("/damage", s.recordDamage)
			r.Post("/{kind}/{id}/refresh", s.refreshFlag)
		})
	}
	r.Get("/jobs", s.listJobs)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), map[string]string{"status": "ok"}, nil)
	})
	return r
}
