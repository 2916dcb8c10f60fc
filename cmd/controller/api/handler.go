// Package api implements the controller's HTTP surface (spec §6): build
// submission and lifecycle, worker polling and reporting, and the
// anonymous health/stats endpoints. Handlers are thin: all state lives
// in the Catalog, the Object Store, and the Dispatch Engine; a handler's
// job is authorization, request parsing, and translating between HTTP
// and those three.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/buildmesh/controller/lib/catalog"
	"github.com/buildmesh/controller/lib/dispatch"
	mw "github.com/buildmesh/controller/lib/middleware"
	"github.com/buildmesh/controller/lib/store"
	"github.com/go-chi/chi/v5"
)

// Handler holds the dependencies every route needs. It has no
// constructor-time side effects; New wires it into a router.
type Handler struct {
	Catalog  catalog.Catalog
	Store    *store.Store
	Dispatch *dispatch.Engine
	Auth     *mw.Authorizer
	Log      *slog.Logger

	WorkerTokenTTL time.Duration
	MaxSourceBytes int64
	MaxCertsBytes  int64
	MaxResultBytes int64
}

// New builds the chi router for every endpoint in spec §6, plus the
// supplemented list/events endpoints.
func New(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", h.Health)
	r.Get("/api/stats", h.Stats)

	r.Route("/api/builds", func(r chi.Router) {
		r.Post("/submit", h.SubmitBuild)
		r.Get("/active", h.ListActiveBuilds)
		r.Get("/", h.ListBuilds)

		r.Route("/{buildID}", func(r chi.Router) {
			r.Get("/status", h.BuildStatus)
			r.Get("/logs", h.GetLogs)
			r.Post("/logs", h.PostLogs)
			r.Get("/download", h.Download)
			r.Post("/cancel", h.CancelBuild)
			r.Post("/retry", h.RetryBuild)
			r.Get("/events", h.GetEvents)
			r.Get("/source", h.GetSource)
			r.Get("/certs", h.GetCerts)
			r.Get("/certs-secure", h.GetCertsSecure)
			r.Post("/heartbeat", h.Heartbeat)
			r.Post("/telemetry", h.Telemetry)
		})
	})

	r.Route("/api/workers", func(r chi.Router) {
		r.Post("/register", h.RegisterWorker)
		r.Get("/poll", h.Poll)
		r.Post("/upload", h.Upload)
	})

	return r
}
