package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/jkaninda/cubelink/internal/domain"
	"github.com/jkaninda/cubelink/internal/pipeline"
	"github.com/jkaninda/cubelink/internal/storage"
)

type memRuns struct {
	runs map[uuid.UUID]*domain.Run
}

func (m *memRuns) Create(_ context.Context, run *domain.Run) error {
	m.runs[run.ID] = run
	return nil
}

func (m *memRuns) Update(ctx context.Context, run *domain.Run) error { return m.Create(ctx, run) }

func (m *memRuns) Get(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	run, ok := m.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *memRuns) List(context.Context, domain.RunFilter) ([]domain.Run, error) { return nil, nil }

func auth(token string) (string, bool) { return "alice", token == "secret" }

func newTestServer(t *testing.T, runs *memRuns) (*Server, *pipeline.Broker, *httptest.Server) {
	t.Helper()
	broker := pipeline.NewBroker()
	s := NewServer(broker, runs, auth, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, broker, srv
}

func wsURL(srv *httptest.Server, runID uuid.UUID, token string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/" + runID.String() + "/watch"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func TestWatch_RelaysUntilDone(t *testing.T) {
	runID := uuid.New()
	runs := &memRuns{runs: map[uuid.UUID]*domain.Run{runID: {ID: runID, Status: domain.RunStreaming}}}
	_, broker, srv := newTestServer(t, runs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL(srv, runID, "secret"), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != Subprotocol {
		t.Errorf("subprotocol = %q", got)
	}

	for broker.Watchers(runID) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	broker.Publish(pipeline.Event{RunID: uuid.New(), Type: pipeline.EventAck, Line: "other run"})
	broker.Publish(pipeline.Event{RunID: runID, Type: pipeline.EventAck, Index: 0, Line: "Pixel,255,0,0,202"})
	broker.Publish(pipeline.Event{RunID: runID, Type: pipeline.EventDone, Status: "done"})

	var got []pipeline.Event
	for {
		var ev pipeline.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("read: %v", err)
			}
			break
		}
		got = append(got, ev)
	}

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[0].Type != pipeline.EventAck || got[0].Line != "Pixel,255,0,0,202" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Type != pipeline.EventDone || got[1].Status != "done" {
		t.Errorf("last event = %+v", got[1])
	}
}

func TestWatch_FinishedRunGetsSnapshot(t *testing.T) {
	runID := uuid.New()
	finished := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	runs := &memRuns{runs: map[uuid.UUID]*domain.Run{runID: {
		ID:             runID,
		Status:         domain.RunFailed,
		TransportState: "aborted-by-timeout",
		TransportError: "transport session deadline exceeded",
		Instructions:   12,
		FinishedAt:     &finished,
	}}}
	_, _, srv := newTestServer(t, runs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, runID, "secret"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var ev pipeline.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != pipeline.EventDone || ev.Status != "failed" || ev.Instructions != 12 {
		t.Errorf("snapshot = %+v", ev)
	}
	if ev.Message != "transport session deadline exceeded" || !ev.Time.Equal(finished) {
		t.Errorf("snapshot = %+v", ev)
	}
}

func TestWatch_Rejects(t *testing.T) {
	known := uuid.New()
	runs := &memRuns{runs: map[uuid.UUID]*domain.Run{known: {ID: known, Status: domain.RunStreaming}}}
	_, _, srv := newTestServer(t, runs)

	tests := []struct {
		name string
		path string
		auth string
		want int
	}{
		{"no token", "/v1/runs/" + known.String() + "/watch", "", http.StatusUnauthorized},
		{"wrong token", "/v1/runs/" + known.String() + "/watch", "Bearer nope", http.StatusUnauthorized},
		{"bad id", "/v1/runs/not-a-uuid/watch", "Bearer secret", http.StatusBadRequest},
		{"unknown run", "/v1/runs/" + uuid.NewString() + "/watch", "Bearer secret", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestRunIDFromPath(t *testing.T) {
	id := uuid.New()
	for _, p := range []string{
		"/v1/runs/" + id.String() + "/watch",
		"/v1/runs/" + id.String() + "/watch/",
	} {
		got, err := RunIDFromPath(p)
		if err != nil || got != id {
			t.Errorf("RunIDFromPath(%q) = %s, %v", p, got, err)
		}
	}
	if _, err := RunIDFromPath("/v1/runs/watch"); err == nil {
		t.Error("expected error for missing id")
	}
}
