// Package web provides the HTTP server and JSON handlers for the import API.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/finimport/internal/config"
	"github.com/JonMunkholm/finimport/internal/importer"
	"github.com/JonMunkholm/finimport/internal/jobs"
	"github.com/JonMunkholm/finimport/internal/ledger"
	mw "github.com/JonMunkholm/finimport/internal/web/middleware"
)

// Deps are the services the handlers call into.
type Deps struct {
	Store    ledger.Store
	Importer *importer.Service
	Jobs     *jobs.Queue
	Ledger   *ledger.Materializer
	Rules    *ledger.Rulebook
}

// Server is the HTTP server for the import API.
type Server struct {
	cfg      *config.Config
	store    ledger.Store
	importer *importer.Service
	jobs     *jobs.Queue
	ledger   *ledger.Materializer
	rules    *ledger.Rulebook

	router  *chi.Mux
	server  *http.Server
	stopped chan struct{}
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		importer: deps.Importer,
		jobs:     deps.Jobs,
		ledger:   deps.Ledger,
		rules:    deps.Rules,
		router:   chi.NewRouter(),
		stopped:  make(chan struct{}),
	}
	if s.rules == nil {
		s.rules = ledger.NewRulebook(deps.Store)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)

	// Security hardening
	s.router.Use(securityHeaders(s.cfg.Security.EnableCSP))

	if s.cfg.Rate.Enabled {
		s.router.Use(s.newRateLimiter(s.cfg.Rate.RequestsPerMinute).middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(&s.cfg.Security))
		r.Use(requireUser)

		// Streaming responses must not be cut by the request timeout.
		r.Get("/imports/jobs/{jobID}/progress", s.handleJobProgress)

		// Import operations run under the import timeout and rate limit.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.importTimeout()))
			if s.cfg.Rate.Enabled {
				r.Use(s.newRateLimiter(s.cfg.Rate.ImportLimit).middleware)
			}
			r.Post("/imports/preview", s.handlePreview)
			r.Post("/imports/commit", s.handleCommit)
			r.Post("/imports/jobs", s.handleSubmitImport)
			r.Post("/accounts/{accountID}/sync", s.handleSync)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout()))

			r.Get("/templates", s.handleListTemplates)
			r.Get("/imports/jobs", s.handleListJobs)
			r.Get("/imports/jobs/{jobID}", s.handleGetJob)
			r.Post("/imports/jobs/{jobID}/cancel", s.handleCancelJob)
			r.Get("/imports/limiter", s.handleLimiterStatus)

			// Rules
			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Post("/rules/test", s.handleTestRules)
			r.Put("/rules/{ruleID}", s.handleUpdateRule)
			r.Delete("/rules/{ruleID}", s.handleDeleteRule)

			// Ledger
			r.Post("/transactions", s.handleCreateTransaction)
			r.Post("/transactions/quick", s.handleQuickTransaction)
			r.Delete("/transactions/{txID}", s.handleDeleteTransaction)
			r.Post("/transfers", s.handleTransfer)

			r.Get("/accounts/{accountID}", s.handleGetAccount)
			r.Post("/accounts/{accountID}/recalculate", s.handleRecalculate)
			r.Get("/accounts/{accountID}/imports", s.handleImportHistory)
			r.Get("/accounts/{accountID}/transactions/export", s.handleExportTransactions)

			// Settings
			r.Get("/settings/{key}", s.handleGetSetting)
			r.Put("/settings/{key}", s.handlePutSetting)
		})
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.Server.RequestTimeout > 0 {
		return s.cfg.Server.RequestTimeout
	}
	return 60 * time.Second
}

func (s *Server) importTimeout() time.Duration {
	if s.cfg.Import.Timeout > 0 {
		return s.cfg.Import.Timeout
	}
	return 5 * time.Minute
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout, // 0 keeps SSE streams open
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Close stops background goroutines owned by the server.
func (s *Server) Close() {
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string]any{
		"status":        "ok",
		"activeImports": s.importer.Limiter().ActiveCount(),
	})
}

// securityHeaders adds security headers to all responses.
func securityHeaders(enableCSP bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Prevent MIME type sniffing
			w.Header().Set("X-Content-Type-Options", "nosniff")

			// Prevent clickjacking
			w.Header().Set("X-Frame-Options", "DENY")

			// The API serves JSON, CSV and event streams only.
			if enableCSP {
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}

			// Control referrer information
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

			next.ServeHTTP(w, r)
		})
	}
}

// writeJSON encodes v as JSON and writes it to w.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	writeJSONStatus(w, r, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err, "request_id", middleware.GetReqID(r.Context()))
	}
}
