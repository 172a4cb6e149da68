// Package server exposes one serving node over HTTP: mutation submission
// and page listing against the authoritative store, and a websocket
// subscription endpoint fed by the broker.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/roach88/tandem/internal/broker"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/store"
)

const (
	contentTypeJSON        = "application/json"
	defaultPageLimit       = 50
	maxPageLimit           = 500
	defaultShutdownTimeout = 5 * time.Second
	maxRequestBytes        = 1 << 20
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// same-origin requests only.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// Server serves one node.
type Server struct {
	store    *store.Store
	node     *broker.Node
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// New creates a server over the authoritative store and the node's broker.
func New(st *store.Store, node *broker.Node, opts ...Option) *Server {
	s := &Server{
		store:  st,
		node:   node,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Route("/rooms/{room}", func(r chi.Router) {
		r.Post("/mutations", s.handleMutation)
		r.Get("/entities", s.handleEntities)
	})

	return r
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully and closes every open subscription socket.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	s.logger.Info("server started", "addr", ln.Addr().String(), "node", s.node.ID())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	s.closeSessions()
	s.logger.Info("server stopped", "node", s.node.ID())
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding response", "error", err)
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, status int, code, reason string) {
	s.writeJSON(w, status, model.MutationFailure{Code: code, Reason: reason})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": s.node.ID()})
}

// handleMutation applies one mutation and publishes the resulting event.
//
//	200 Entity            accepted
//	400/422 MutationFailure  malformed or invalid
//	409 MutationFailure   stale data
//	500                   storage failure (client treats as network error)
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")

	var req model.MutationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeFailure(w, http.StatusBadRequest, model.FailureValidation, "malformed mutation: "+err.Error())
		return
	}

	m, err := s.store.ApplyMutation(r.Context(), room, s.node.ID(), req)
	if err != nil {
		if f, ok := store.Failure(err); ok {
			status := http.StatusUnprocessableEntity
			if f.Code == model.FailureStaleData {
				status = http.StatusConflict
			}
			s.logger.Info("mutation rejected",
				"room", room,
				"entity_id", req.EntityID,
				"actor", req.ActorID,
				"code", f.Code,
				"reason", f.Reason,
			)
			s.writeJSON(w, status, f)
			return
		}
		s.logger.Error("mutation failed", "room", room, "entity_id", req.EntityID, "error", err)
		s.writeFailure(w, http.StatusInternalServerError, "", "internal error")
		return
	}

	// The mutation is committed; a failed publish is repaired by clients
	// refetching, so it is logged rather than surfaced.
	if err := s.node.Publish(r.Context(), room, m.Event); err != nil {
		s.logger.Warn("publish failed", "room", room, "entity_id", req.EntityID, "seq", m.Event.Seq, "error", err)
	}
	s.writeJSON(w, http.StatusOK, m.Entity)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	req := model.PageRequest{RoomID: chi.URLParam(r, "room"), Page: 1, Limit: defaultPageLimit}
	q := r.URL.Query()

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeFailure(w, http.StatusBadRequest, model.FailureValidation, "page must be an integer")
			return
		}
		req.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeFailure(w, http.StatusBadRequest, model.FailureValidation, "limit must be an integer")
			return
		}
		req.Limit = min(n, maxPageLimit)
	}
	if v := q.Get("filter"); v != "" {
		var f model.Object
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			s.writeFailure(w, http.StatusBadRequest, model.FailureValidation, "malformed filter: "+err.Error())
			return
		}
		req.Filter = f
	}

	resp, err := s.store.ListPage(r.Context(), req)
	if err != nil {
		if f, ok := store.Failure(err); ok {
			s.writeJSON(w, http.StatusBadRequest, f)
			return
		}
		s.logger.Error("list page failed", "room", req.RoomID, "page", req.Page, "error", err)
		s.writeFailure(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
