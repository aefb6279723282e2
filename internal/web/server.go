package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/stageflow/internal/db"
	"github.com/lucasnoah/stageflow/internal/pipeline"
)

// Server is the read-only live-status server for running workflows.
type Server struct {
	store  pipeline.Backend
	events *db.DB // optional
	hub    *Hub
	log    logrus.FieldLogger

	srv      *http.Server
	listener net.Listener
}

// NewServer creates a Server. history may be nil, in which case the events
// route is not mounted.
func NewServer(store pipeline.Backend, history *db.DB, log logrus.FieldLogger) *Server {
	return &Server{store: store, events: history, hub: NewHub(log), log: log}
}

// Hub returns the websocket hub; subscribe Hub().Handler() on the bus.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/workflows/{id}", s.handleWorkflow)
	if s.events != nil {
		r.Get("/workflows/{id}/events", s.handleEvents)
	}
	r.Get("/ws", s.hub.ServeWS)
	return r
}

// Start listens on addr and serves in the background. Use Addr for the
// bound address when addr has port 0.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("live-status server stopped")
		}
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("live-status server listening")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown disconnects websocket clients and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.hub.ClientCount()})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("load workflow")
		writeError(w, http.StatusInternalServerError, "could not load workflow")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	evs, err := s.events.Events(chi.URLParam(r, "id"), limit)
	if err != nil {
		s.log.WithError(err).Error("load events")
		writeError(w, http.StatusInternalServerError, "could not load events")
		return
	}
	out := make([]json.RawMessage, 0, len(evs))
	for _, e := range evs {
		out = append(out, json.RawMessage(e.Payload))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
