// Package api exposes the relay's public control surface over HTTP: send
// and upload, session accessors, offline-queue inspection and replay,
// event history, runtime configuration, and a websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/flowchat/relay/internal/chaterr"
	"github.com/flowchat/relay/internal/events"
	"github.com/flowchat/relay/internal/queue"
	"github.com/flowchat/relay/internal/session"
	"github.com/flowchat/relay/internal/transport"
)

type Server struct {
	router   *chi.Mux
	srv      *http.Server
	adapter  *transport.Adapter
	queue    *queue.Queue
	sessions *session.Manager
	bus      *events.Bus
	logger   *slog.Logger
}

func NewServer(port int, adapter *transport.Adapter, q *queue.Queue, sessions *session.Manager, bus *events.Bus, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		adapter:  adapter,
		queue:    q,
		sessions: sessions,
		bus:      bus,
		logger:   logger,
	}
	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/chat/{instance}", func(r chi.Router) {
			r.Post("/send", s.send)
			r.Post("/upload", s.upload)
			r.Post("/abort", s.abort)
			r.Post("/open", s.opened)
			r.Post("/close", s.closed)
			r.Get("/session", s.getSession)
			r.Delete("/session", s.resetSession)
			r.Get("/queue", s.getQueue)
			r.Post("/queue/process", s.processQueue)
		})
		r.Get("/events/history", s.eventHistory)
		r.Get("/config", s.getConfig)
		r.Patch("/config", s.patchConfig)
	})
	router.Get("/ws/events", s.wsEvents)

	return s
}

func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders a classified error with its user-facing display
// shape and an HTTP status derived from the category.
func writeError(w http.ResponseWriter, err error) {
	rec := chaterr.Classify(err, 0)
	writeJSON(w, statusFor(rec), map[string]any{
		"code":    rec.Code,
		"display": chaterr.FormatForDisplay(rec),
	})
}

func statusFor(rec *chaterr.Record) int {
	switch rec.Category {
	case chaterr.CategoryValidation:
		return http.StatusBadRequest
	case chaterr.CategoryAuthentication:
		return http.StatusUnauthorized
	case chaterr.CategoryFile:
		return http.StatusUnprocessableEntity
	case chaterr.CategoryRateLimit:
		return http.StatusTooManyRequests
	case chaterr.CategoryConfiguration:
		return http.StatusServiceUnavailable
	case chaterr.CategoryConnection, chaterr.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
