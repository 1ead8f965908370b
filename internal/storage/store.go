package storage

import (
	"context"

	"trainkeeper/internal/model"
)

// Store persists training run metadata and per-epoch history.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	AppendEpoch(ctx context.Context, runID string, record model.EpochRecord) error
	GetEpochHistory(ctx context.Context, runID string) ([]model.EpochRecord, bool, error)
}
