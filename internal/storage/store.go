package storage

import (
	"context"

	"dnpu/internal/model"
)

// Store persists training runs and their per-epoch history.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.TrainingRun) error
	GetRun(ctx context.Context, id string) (model.TrainingRun, bool, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context) ([]model.TrainingRun, error)
	SaveHistory(ctx context.Context, runID string, history []model.EpochRecord) error
	GetHistory(ctx context.Context, runID string) ([]model.EpochRecord, bool, error)
}
