// Package api is the administration HTTP interface: bot CRUD, flow upload,
// lifecycle control and log access.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kuleshov01/new-max-bot/internal/models"
	"github.com/kuleshov01/new-max-bot/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// maxBodyBytes caps request bodies; flows are the largest payload.
	maxBodyBytes = 4 << 20
	shutdownWait = 10 * time.Second
)

// BotController is the part of the supervisor the API drives.
type BotController interface {
	Start(ctx context.Context, botID int64) error
	Stop(ctx context.Context, botID int64) error
	Restart(ctx context.Context, botID int64) error
	Status(ctx context.Context, botID int64) (models.BotStatus, error)
}

// Server serves the admin API.
type Server struct {
	store   store.Store
	bots    BotController
	metrics http.Handler
	router  chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer builds the router.
func NewServer(st store.Store, bots BotController, opts ...Option) *Server {
	s := &Server{store: st, bots: bots}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(middleware.RequestSize(maxBodyBytes))

	r.Get("/healthz", s.healthHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/bots", func(r chi.Router) {
		r.Get("/", s.listBotsHandler)
		r.Post("/", s.createBotHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", withID("getBotHandler", s.getBotHandler))
			r.Put("/", withID("updateBotHandler", s.updateBotHandler))
			r.Delete("/", withID("deleteBotHandler", s.deleteBotHandler))

			r.Post("/start", s.lifecycleHandler("start", s.bots.Start))
			r.Post("/stop", s.lifecycleHandler("stop", s.bots.Stop))
			r.Post("/restart", s.lifecycleHandler("restart", s.bots.Restart))
			r.Get("/status", withID("statusHandler", s.statusHandler))

			r.Get("/flow", withID("getFlowHandler", s.getFlowHandler))
			r.Post("/flow", withID("saveFlowHandler", s.saveFlowHandler))
			r.Put("/flow", withID("saveFlowHandler", s.saveFlowHandler))

			r.Get("/logs", withID("getLogsHandler", s.getLogsHandler))
			r.Delete("/logs", withID("clearLogsHandler", s.clearLogsHandler))
		})
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: admin API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin API on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.ListenAndServe: shutdown failed", "error", err)
		return err
	}
	slog.Info("Server.ListenAndServe: admin API stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
