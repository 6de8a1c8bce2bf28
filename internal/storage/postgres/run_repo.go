package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/linesim/internal/storage"
	lstrace "github.com/jkaninda/linesim/internal/trace"
)

// RunRepository implements storage.RunStore with GORM. It serves both the
// PostgreSQL and the SQLite backend.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create persists a run and, when present, its trace in one transaction.
func (r *RunRepository) Create(ctx context.Context, run *storage.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	model, err := toRunModel(run)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	run.CreatedAt = model.CreatedAt
	return nil
}

// Get retrieves a run without its trace.
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*storage.Run, error) {
	var model RunModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("getting run %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return toRunDomain(&model)
}

// List returns runs matching filter, newest first.
func (r *RunRepository) List(ctx context.Context, filter storage.RunFilter) ([]storage.Run, error) {
	var models []RunModel
	if err := r.db.WithContext(ctx).
		Scopes(FilterScope(filter), PageScope(filter)).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs := make([]storage.Run, 0, len(models))
	for i := range models {
		run, err := toRunDomain(&models[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// Trace loads the recorded trace of a run. A run that faulted before its
// first step has no stored trace and yields an empty one.
func (r *RunRepository) Trace(ctx context.Context, id uuid.UUID) (lstrace.Trace, error) {
	var model RunTraceModel
	err := r.db.WithContext(ctx).First(&model, "run_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return lstrace.Trace{}, getErr
		}
		return lstrace.Trace{}, nil
	}
	if err != nil {
		return lstrace.Trace{}, fmt.Errorf("getting trace of run %s: %w", id, err)
	}
	var t lstrace.Trace
	if err := t.UnmarshalBinary(model.Data); err != nil {
		return lstrace.Trace{}, fmt.Errorf("decoding trace of run %s: %w", id, err)
	}
	return t, nil
}

// Delete removes a run and its trace.
func (r *RunRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&RunTraceModel{}, "run_id = ?", id).Error; err != nil {
			return fmt.Errorf("deleting trace of run %s: %w", id, err)
		}
		result := tx.Delete(&RunModel{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("deleting run %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("deleting run %s: %w", id, storage.ErrNotFound)
		}
		return nil
	})
}

var _ storage.RunStore = (*RunRepository)(nil)
