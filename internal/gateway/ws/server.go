// Package ws streams live run progress to WebSocket watchers. A watcher
// connects to /v1/runs/{id}/watch and receives one JSON event per line
// acknowledged by the device, plus state changes, until the run finishes.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/jkaninda/cubelink/internal/domain"
	"github.com/jkaninda/cubelink/internal/pipeline"
	"github.com/jkaninda/cubelink/internal/storage"
)

// Subprotocol is offered on accept. Clients that do not request it still
// connect.
const Subprotocol = "cubelink-watch-v1"

const (
	defaultHeartbeat    = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Authenticator maps a bearer token to a user ID.
type Authenticator func(token string) (userID string, ok bool)

// Server upgrades watch requests and relays run events.
type Server struct {
	broker *pipeline.Broker
	runs   storage.RunStore // nil = no snapshot for finished runs
	auth   Authenticator    // nil = unauthenticated
	logger *slog.Logger

	heartbeat    time.Duration
	writeTimeout time.Duration
}

// NewServer creates a watch server for the runner's event broker.
func NewServer(broker *pipeline.Broker, runs storage.RunStore, auth Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		broker:       broker,
		runs:         runs,
		auth:         auth,
		logger:       logger,
		heartbeat:    defaultHeartbeat,
		writeTimeout: defaultWriteTimeout,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.auth != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if _, ok := s.auth(token); token == "" || !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	runID, err := RunIDFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, "invalid run ID", http.StatusBadRequest)
		return
	}

	// Subscribe before the store lookup so no event published in between is lost.
	events, cancel := s.broker.Subscribe(runID)
	defer cancel()

	var run *domain.Run
	if s.runs != nil {
		run, err = s.runs.Get(r.Context(), runID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, "run not found", http.StatusNotFound)
			return
		case err != nil:
			s.logger.Error("watch: loading run", slog.String("run_id", runID.String()), slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	if run != nil && run.Status.Finished() {
		cancel()
		s.write(r.Context(), conn, Snapshot(run))
		conn.Close(websocket.StatusNormalClosure, "run finished")
		return
	}

	s.relay(r.Context(), conn, runID, events)
}

// relay forwards events until the run finishes or the watcher goes away.
func (s *Server) relay(ctx context.Context, conn *websocket.Conn, runID uuid.UUID, events <-chan pipeline.Event) {
	// Watchers never send; CloseRead handles control frames and cancels ctx
	// when the peer closes.
	ctx = conn.CloseRead(ctx)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, conn, runID)

	s.logger.Debug("watcher connected", slog.String("run_id", runID.String()))

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("watcher disconnected", slog.String("run_id", runID.String()))
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
			if err := s.write(ctx, conn, ev); err != nil {
				s.logger.Warn("watch write failed",
					slog.String("run_id", runID.String()),
					slog.String("error", err.Error()),
				)
				return
			}
			if ev.Type == pipeline.EventDone {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, conn *websocket.Conn, runID uuid.UUID) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("run_id", runID.String()),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev pipeline.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// Snapshot renders a finished run as its final event.
func Snapshot(run *domain.Run) pipeline.Event {
	msg := run.TransportError
	if msg == "" {
		msg = run.ExecMessage
	}
	at := run.UpdatedAt
	if run.FinishedAt != nil {
		at = *run.FinishedAt
	}
	return pipeline.Event{
		RunID:        run.ID,
		Type:         pipeline.EventDone,
		Status:       string(run.Status),
		Message:      msg,
		Instructions: run.Instructions,
		State:        run.TransportState,
		Time:         at,
	}
}

// RunIDFromPath extracts the run ID from ".../runs/{id}/watch".
func RunIDFromPath(p string) (uuid.UUID, error) {
	p = strings.TrimSuffix(strings.TrimSuffix(p, "/"), "/watch")
	return uuid.Parse(path.Base(p))
}
