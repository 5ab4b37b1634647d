package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/cubelink/internal/domain"
	"github.com/jkaninda/cubelink/internal/storage"
)

// RunRepository implements storage.RunStore with GORM. The SQLite backend
// reuses it unchanged.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create persists a new run, assigning an ID when none is set.
func (r *RunRepository) Create(ctx context.Context, run *domain.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	model := toRunModel(run)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	run.CreatedAt, run.UpdatedAt = model.CreatedAt, model.UpdatedAt
	return nil
}

// Get retrieves a run by ID.
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	var model RunModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return toRunDomain(&model), nil
}

// List returns runs matching the filter, newest first.
func (r *RunRepository) List(ctx context.Context, f domain.RunFilter) ([]domain.Run, error) {
	var models []RunModel
	if err := r.db.WithContext(ctx).
		Scopes(RunFilterScope(f)).
		Order("started_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs := make([]domain.Run, len(models))
	for i := range models {
		runs[i] = *toRunDomain(&models[i])
	}
	return runs, nil
}

// Update persists changes to an existing run.
func (r *RunRepository) Update(ctx context.Context, run *domain.Run) error {
	model := toRunModel(run)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}
	run.UpdatedAt = model.UpdatedAt
	return nil
}
