//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/cubelink/internal/domain"
	"github.com/jkaninda/cubelink/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunRepository_Lifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewStore(db).Runs()
	ctx := context.Background()
	user := "it-" + uuid.New().String()[:8]

	run := &domain.Run{UserID: user, Port: "sim://it", Dialect: "python", Source: "inline", Status: domain.RunPending}
	if err := repo.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	run.Status = domain.RunDone
	run.TransportState = "completed"
	run.States = []string{"connecting", "streaming", "completed", "closed"}
	run.Acked = 4
	run.FinishedAt = &now
	if err := repo.Update(ctx, run); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := repo.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RunDone || got.Acked != 4 || len(got.States) != 4 || got.FinishedAt == nil {
		t.Errorf("got %+v", got)
	}

	runs, err := repo.List(ctx, domain.RunFilter{UserID: user})
	if err != nil || len(runs) != 1 {
		t.Fatalf("list = %d runs, err %v", len(runs), err)
	}

	if _, err := repo.Get(ctx, uuid.New()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing run err = %v", err)
	}
}
