package store

import (
	"context"
	"errors"

	"recurd/internal/model"
	"recurd/internal/recur"
)

// ErrNotFound is returned for unknown occurrence ids.
var ErrNotFound = errors.New("not found")

// SeriesStore is a recur.SeriesStore that can also enumerate its series,
// which the periodic reconcile pass needs.
type SeriesStore interface {
	recur.SeriesStore
	IDs(ctx context.Context) ([]string, error)
}

// OccurrenceStore holds materialized occurrence records.
type OccurrenceStore interface {
	// List returns the records whose SeriesID is seriesID, detached ones
	// included, ordered by OccursAt.
	List(ctx context.Context, seriesID string) ([]model.Occurrence, error)
	// ListStandalone returns records that belong to no series.
	ListStandalone(ctx context.Context) ([]model.Occurrence, error)
	Get(ctx context.Context, id string) (model.Occurrence, error)
	// Apply removes deletes and then writes upserts, as one unit.
	Apply(ctx context.Context, deletes []string, upserts []model.Occurrence) error
}

var (
	_ SeriesStore     = (*MemoryStore)(nil)
	_ SeriesStore     = (*FileStore)(nil)
	_ SeriesStore     = (*SQLiteStore)(nil)
	_ OccurrenceStore = (*MemoryOccurrences)(nil)
	_ OccurrenceStore = (*SQLiteStore)(nil)
)
