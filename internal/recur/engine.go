// Package recur is the recurring-schedule engine: it expands rule series
// into instants, keeps a horizon of occurrences materialized and applies
// scoped edits and deletes.
//
// The engine never logs and never retries. Every failure is returned to
// the caller, and callers must serialize mutations of the same series.
package recur

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recurd/internal/model"
	"recurd/internal/rule"
)

// SeriesStore is the persistence boundary for series state.
type SeriesStore interface {
	// Load returns ErrSeriesNotFound for unknown ids.
	Load(ctx context.Context, id string) (*model.Series, error)
	// Save creates or replaces a series. Stores that track Version return
	// ErrConcurrentModification when series.Version is stale, and bump it
	// on success.
	Save(ctx context.Context, series *model.Series) error
	Delete(ctx context.Context, id string) error
}

// Actor is the user on whose behalf an engine call runs. It is passed
// explicitly to every operation.
type Actor struct {
	UserID string
}

// Engine exposes the four operations the surrounding application uses.
type Engine struct {
	store      SeriesStore
	expander   Expander
	reconciler Reconciler
	mutator    Mutator
	newID      func() string
}

// Options configure an Engine. Zero values pick defaults.
type Options struct {
	Location *time.Location
	Policy   Policy
	NewID    func() string
}

// NewEngine builds an Engine persisting series in store.
func NewEngine(store SeriesStore, opts Options) *Engine {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	exp := NewExpander(opts.Location)
	mut := NewMutator(exp, opts.Policy, newID)
	return &Engine{
		store:      store,
		expander:   exp,
		reconciler: mut.Reconciler,
		mutator:    mut,
		newID:      newID,
	}
}

// Location is the fixed offset the engine reports instants in.
func (e *Engine) Location() *time.Location { return e.expander.Location }

// CreateSeries validates ruleText and stores a one-segment series anchored
// at the first instant >= start the rule admits. Nothing is stored when the
// rule is invalid or can never produce an instant.
func (e *Engine) CreateSeries(ctx context.Context, actor Actor, ruleText string, start time.Time) (string, error) {
	return e.ImportSeries(ctx, actor, ruleText, start, nil)
}

// ImportSeries is CreateSeries for a series that arrives with instants
// already excluded, such as a calendar event carrying EXDATEs.
func (e *Engine) ImportSeries(ctx context.Context, actor Actor, ruleText string, start time.Time, exceptions []time.Time) (string, error) {
	r, err := rule.Parse(ruleText, e.expander.Location)
	if err != nil {
		return "", &RuleError{Rule: ruleText, Reason: "parse", Err: err}
	}
	anchor := start.In(e.expander.Location).Truncate(time.Second)
	first, ok, err := r.FirstInstant(anchor)
	if err != nil {
		return "", &RuleError{Rule: ruleText, Reason: "cannot anchor rule", Err: err}
	}
	if !ok {
		return "", &RuleError{Rule: ruleText, Reason: "expresses no possible occurrence"}
	}

	id := e.newID()
	seg := model.Segment{
		SeriesID:       id,
		Sequence:       1,
		RuleText:       r.String(),
		EffectiveStart: first,
	}
	for _, ex := range exceptions {
		seg.AddException(ex.In(e.expander.Location))
	}
	series := &model.Series{
		ID:       id,
		OwnerID:  actor.UserID,
		Segments: []model.Segment{seg},
	}
	if err := e.store.Save(ctx, series); err != nil {
		return "", fmt.Errorf("save series %s: %w", id, err)
	}
	return id, nil
}

// Load returns the series if actor may see it.
func (e *Engine) Load(ctx context.Context, actor Actor, seriesID string) (*model.Series, error) {
	series, err := e.store.Load(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if series.OwnerID != "" && actor.UserID != series.OwnerID {
		return nil, fmt.Errorf("series %s: %w", seriesID, ErrSeriesNotFound)
	}
	return series, nil
}

// Expand lists the series' instants in [from, to], at most maxCount.
func (e *Engine) Expand(ctx context.Context, actor Actor, seriesID string, from, to time.Time, maxCount int) ([]time.Time, error) {
	series, err := e.Load(ctx, actor, seriesID)
	if err != nil {
		return nil, err
	}
	return e.expander.Expand(series, from, to, maxCount)
}

// Reconcile returns the records to materialize for the series.
func (e *Engine) Reconcile(ctx context.Context, actor Actor, seriesID string, live []model.Occurrence, now time.Time) ([]model.Occurrence, error) {
	series, err := e.Load(ctx, actor, seriesID)
	if err != nil {
		return nil, err
	}
	return e.reconciler.Reconcile(series, live, now)
}

// Promote restores the single-primary invariant for the series.
func (e *Engine) Promote(ctx context.Context, actor Actor, seriesID string, live []model.Occurrence, lost *model.Occurrence) ([]model.Occurrence, error) {
	series, err := e.Load(ctx, actor, seriesID)
	if err != nil {
		return nil, err
	}
	return e.mutator.Promoter.Ensure(series, live, lost)
}

// Mutate applies req and persists the series side of the result: the old
// series is saved or deleted first, and only then is a child series saved,
// so an interruption can never leave two live segments covering the same
// instants. Occurrence changes are returned for the caller to apply.
//
// An ErrSeriesExhausted error comes with a valid, already persisted result.
func (e *Engine) Mutate(ctx context.Context, actor Actor, seriesID string, live []model.Occurrence, req MutateRequest, now time.Time) (MutateResult, error) {
	series, err := e.Load(ctx, actor, seriesID)
	if err != nil {
		return MutateResult{}, err
	}

	res, mutErr := e.mutator.Mutate(series, live, req, now)
	if mutErr != nil && !IsExhausted(mutErr) {
		return MutateResult{}, mutErr
	}

	if res.SeriesDeleted {
		if err := e.store.Delete(ctx, seriesID); err != nil {
			return MutateResult{}, fmt.Errorf("delete series %s: %w", seriesID, err)
		}
	} else if err := e.store.Save(ctx, res.Series); err != nil {
		return MutateResult{}, fmt.Errorf("save series %s: %w", seriesID, err)
	}

	if res.NewSeries != nil {
		if err := e.store.Save(ctx, res.NewSeries); err != nil {
			return MutateResult{}, fmt.Errorf("save child series %s: %w", res.NewSeries.ID, err)
		}
	}
	return res, mutErr
}
