package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/cubelink/internal/domain"
	"github.com/jkaninda/cubelink/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "data", "runs.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}

func TestRunStore_CreateUpdateGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	runs := s.Runs()

	run := &domain.Run{
		UserID:    "alice",
		Port:      "sim://bench",
		Dialect:   "python",
		Source:    "inline",
		Arguments: "python_code:clearCube()",
		Status:    domain.RunExecuting,
	}
	if err := runs.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.ID == uuid.Nil || run.StartedAt.IsZero() {
		t.Fatalf("create did not assign id/start: %+v", run)
	}

	finished := time.Now().UTC()
	run.Status = domain.RunDone
	run.ExecStatus = "completed"
	run.Instructions = 3
	run.TransportState = "completed"
	run.States = []string{"connecting", "streaming", "completed", "closed"}
	run.Acked = 3
	run.FinishedAt = &finished
	if err := runs.Update(ctx, run); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := runs.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RunDone || got.Acked != 3 || got.Instructions != 3 {
		t.Errorf("got %+v", got)
	}
	if len(got.States) != 4 || got.States[3] != "closed" {
		t.Errorf("states = %v", got.States)
	}
	if got.FinishedAt == nil || got.Arguments != "python_code:clearCube()" {
		t.Errorf("finished = %v, args = %q", got.FinishedAt, got.Arguments)
	}
}

func TestRunStore_GetMissing(t *testing.T) {
	s := testStore(t)
	if _, err := s.Runs().Get(context.Background(), uuid.New()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRunStore_ListFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, r := range []domain.Run{
		{UserID: "alice", Port: "p1", Status: domain.RunDone},
		{UserID: "bob", Port: "p1", Status: domain.RunFailed},
		{UserID: "alice", Port: "p2", Status: domain.RunDone},
	} {
		r.Dialect, r.Source = "python", "inline"
		r.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.Runs().Create(ctx, &r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter domain.RunFilter
		want   int
	}{
		{"all", domain.RunFilter{}, 3},
		{"by user", domain.RunFilter{UserID: "alice"}, 2},
		{"by port", domain.RunFilter{Port: "p1"}, 2},
		{"by status", domain.RunFilter{Status: domain.RunFailed}, 1},
		{"limit", domain.RunFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Runs().List(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d runs, want %d", len(got), tt.want)
			}
		})
	}

	newest, _ := s.Runs().List(ctx, domain.RunFilter{Limit: 1})
	if len(newest) == 1 && newest[0].Port != "p2" {
		t.Errorf("list is not newest first: %+v", newest[0])
	}
}

func TestStore_PingAndDriver(t *testing.T) {
	s := testStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("driver = %s", s.Driver())
	}
}
