package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yingcaihuang/invoice-pretty/internal/logger"
	"github.com/yingcaihuang/invoice-pretty/pkg/api/handlers"
	apimw "github.com/yingcaihuang/invoice-pretty/pkg/api/middleware"
	"github.com/yingcaihuang/invoice-pretty/pkg/metrics"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry"
	"github.com/yingcaihuang/invoice-pretty/pkg/scheduler"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
)

// Deps bundles the capability implementations the router wires into
// handlers, keeping NewRouter's signature from growing with every new
// endpoint.
type Deps struct {
	Registry           registry.Registry
	Storage            storage.Manager
	Pool               *scheduler.Pool
	MaxUploadFileSize  int64
	AllowedExtensions  []string
	SessionExpiryHours int
}

// NewRouter assembles the chi router for the job-lifecycle API surface.
//
// Middleware stack - order matters:
//   - Request ID for request tracking
//   - Real IP extraction
//   - Custom request logging via the internal logger
//   - Panic recovery
//   - Request timeout
//
// Routes mirror the wire surface table: session bootstrap, health,
// upload, task lifecycle, download, admin cleanup, metrics.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	healthHandler := handlers.NewHealthHandler(d.Registry, d.Storage)
	sessionHandler := handlers.NewSessionHandler(d.SessionExpiryHours)
	uploadHandler := handlers.NewUploadHandler(d.Registry, d.Storage, d.Pool, d.MaxUploadFileSize, d.AllowedExtensions)
	taskHandler := handlers.NewTaskHandler(d.Registry, d.Storage, d.Pool)
	downloadHandler := handlers.NewDownloadHandler(d.Registry, d.Storage)
	adminHandler := handlers.NewAdminHandler(d.Pool)

	r.Get("/api/health", healthHandler.Liveness)
	r.Get("/api/health/ready", healthHandler.Readiness)

	if metrics.IsEnabled() {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Gatherer(), promhttp.HandlerOpts{}))
	}

	r.Post("/api/session", sessionHandler.Bootstrap)

	r.Group(func(r chi.Router) {
		r.Use(apimw.RequireSession)

		r.Route("/api/upload", func(r chi.Router) {
			r.Post("/", uploadHandler.Upload)
			r.Get("/limits", uploadHandler.Limits)
		})

		r.Route("/api/task", func(r chi.Router) {
			r.Get("/", taskHandler.List)
			r.Get("/statistics", taskHandler.Statistics)
			r.Get("/{id}/status", taskHandler.Status)
			r.Get("/{id}/progress", taskHandler.Progress)
			r.Post("/{id}/start", taskHandler.Start)
			r.Post("/{id}/cancel", taskHandler.Cancel)
			r.Post("/{id}/retry", taskHandler.Retry)
			r.Delete("/{id}", taskHandler.Delete)
		})

		r.Route("/api/download/{id}/{name}", func(r chi.Router) {
			r.Get("/", downloadHandler.Download)
			r.Head("/", downloadHandler.HeadDownload)
		})

		r.Post("/api/admin/cleanup", adminHandler.Cleanup)
	})

	return r
}

// requestLogger mirrors the teacher's custom request logging middleware:
// a DEBUG line on request start, an INFO line with status and duration
// on completion.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimw.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
