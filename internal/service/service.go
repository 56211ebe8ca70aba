// Package service runs engine operations against the configured stores,
// one series at a time.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"recurd/internal/ics"
	appLog "recurd/internal/log"
	"recurd/internal/model"
	"recurd/internal/recur"
	"recurd/internal/store"
)

// Service owns the engine and the occurrence store and serializes work per
// series id.
type Service struct {
	engine  *recur.Engine
	series  store.SeriesStore
	occs    store.OccurrenceStore
	locks   *Locks
	now     func() time.Time
	newID   func() string
	workers int
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDs replaces the id source for standalone records.
func WithIDs(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithWorkers bounds how many series ReconcileAll handles at once.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// New builds a Service. engine must persist into series.
func New(engine *recur.Engine, series store.SeriesStore, occs store.OccurrenceStore, opts ...Option) *Service {
	s := &Service{
		engine:  engine,
		series:  series,
		occs:    occs,
		locks:   NewLocks(),
		now:     time.Now,
		newID:   uuid.NewString,
		workers: 4,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Location is the fixed offset instants are reported in.
func (s *Service) Location() *time.Location { return s.engine.Location() }

// CreateRequest describes a new recurring item.
type CreateRequest struct {
	RuleText string
	Start    time.Time
	Kind     model.Kind
	Fields   map[string]string
}

// Create stores a new series and materializes its first records. The
// earliest of them is the primary.
func (s *Service) Create(ctx context.Context, actor recur.Actor, req CreateRequest) (*model.Series, []model.Occurrence, error) {
	id, err := s.engine.CreateSeries(ctx, actor, req.RuleText, req.Start)
	if err != nil {
		return nil, nil, err
	}
	return s.materialize(ctx, actor, id, req.Kind, req.Fields)
}

func (s *Service) materialize(ctx context.Context, actor recur.Actor, id string, kind model.Kind, fields map[string]string) (*model.Series, []model.Occurrence, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	series, err := s.engine.Load(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	adds, err := s.engine.Reconcile(ctx, actor, id, nil, s.now())
	if err != nil {
		return nil, nil, err
	}
	if kind == "" {
		kind = model.KindEvent
	}
	for i := range adds {
		adds[i].Kind = kind
		adds[i].Fields = copyFields(fields)
	}
	if err := s.occs.Apply(ctx, nil, adds); err != nil {
		return nil, nil, fmt.Errorf("store occurrences of %s: %w", id, err)
	}
	appLog.Info("series created", "series_id", id, "owner", actor.UserID, "materialized", len(adds))
	return series, adds, nil
}

// Get returns the series and the records that belong to it.
func (s *Service) Get(ctx context.Context, actor recur.Actor, id string) (*model.Series, []model.Occurrence, error) {
	series, err := s.engine.Load(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	occs, err := s.occs.List(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return series, occs, nil
}

// Expand lists instants of the series in [from, to].
func (s *Service) Expand(ctx context.Context, actor recur.Actor, id string, from, to time.Time, maxCount int) ([]time.Time, error) {
	return s.engine.Expand(ctx, actor, id, from, to, maxCount)
}

// Mutate applies req and stores the resulting records. An exhausted series
// is stored as well and reported with recur.ErrSeriesExhausted.
func (s *Service) Mutate(ctx context.Context, actor recur.Actor, id string, req recur.MutateRequest) (recur.MutateResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	live, err := s.occs.List(ctx, id)
	if err != nil {
		return recur.MutateResult{}, err
	}
	res, mutErr := s.engine.Mutate(ctx, actor, id, live, req, s.now())
	if mutErr != nil && !recur.IsExhausted(mutErr) {
		return recur.MutateResult{}, mutErr
	}
	if err := s.occs.Apply(ctx, res.Delete, res.Upsert); err != nil {
		return recur.MutateResult{}, fmt.Errorf("store occurrences of %s: %w", id, err)
	}

	kv := []any{"series_id", id, "scope", req.Scope, "op", req.Op, "deleted", len(res.Delete), "upserted", len(res.Upsert)}
	if res.NewSeries != nil {
		kv = append(kv, "child_series_id", res.NewSeries.ID)
	}
	if res.SeriesDeleted {
		kv = append(kv, "series_deleted", true)
	}
	appLog.Info("series mutated", kv...)
	if mutErr != nil {
		appLog.Error("series exhausted", mutErr, "series_id", id)
	}
	return res, mutErr
}

// Reconcile tops up the series' materialized records.
func (s *Service) Reconcile(ctx context.Context, actor recur.Actor, id string) ([]model.Occurrence, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.reconcileLocked(ctx, actor, id, s.now())
}

func (s *Service) reconcileLocked(ctx context.Context, actor recur.Actor, id string, now time.Time) ([]model.Occurrence, error) {
	live, err := s.occs.List(ctx, id)
	if err != nil {
		return nil, err
	}
	adds, err := s.engine.Reconcile(ctx, actor, id, live, now)
	if err != nil {
		return nil, err
	}

	// Records written outside the engine may have lost their primary.
	all := append(live[:len(live):len(live)], adds...)
	var fixes []model.Occurrence
	if hasLive(all, id) {
		if fixes, err = s.engine.Promote(ctx, actor, id, all, nil); err != nil {
			return nil, err
		}
	}
	if len(adds) == 0 && len(fixes) == 0 {
		return nil, nil
	}
	if err := s.occs.Apply(ctx, nil, append(adds, fixes...)); err != nil {
		return nil, fmt.Errorf("store occurrences of %s: %w", id, err)
	}
	appLog.Debug("series reconciled", "series_id", id, "added", len(adds), "repaired", len(fixes))
	return adds, nil
}

func hasLive(occs []model.Occurrence, seriesID string) bool {
	for _, o := range occs {
		if o.Live(seriesID) {
			return true
		}
	}
	return false
}

// ReconcileStats summarizes one ReconcileAll pass.
type ReconcileStats struct {
	Series int
	Added  int
	Failed int
}

// ReconcileAll reconciles every stored series on behalf of its owner.
// A failing series does not stop the pass; all failures are joined into
// the returned error.
func (s *Service) ReconcileAll(ctx context.Context) (ReconcileStats, error) {
	ids, err := s.series.IDs(ctx)
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("list series: %w", err)
	}
	now := s.now()

	var (
		mu    sync.Mutex
		stats = ReconcileStats{Series: len(ids)}
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			added, err := s.reconcileOne(gctx, id, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				errs = append(errs, fmt.Errorf("series %s: %w", id, err))
				return nil
			}
			stats.Added += added
			return nil
		})
	}
	_ = g.Wait()

	appLog.Info("reconcile pass completed", "series", stats.Series, "added", stats.Added, "failed", stats.Failed)
	return stats, errors.Join(errs...)
}

func (s *Service) reconcileOne(ctx context.Context, id string, now time.Time) (int, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	series, err := s.series.Load(ctx, id)
	if err != nil {
		if recur.IsNotFound(err) {
			// Deleted since the id list was read.
			return 0, nil
		}
		return 0, err
	}
	adds, err := s.reconcileLocked(ctx, recur.Actor{UserID: series.OwnerID}, id, now)
	return len(adds), err
}

// Export renders the series as an iCalendar document. Titles come from the
// series' primary record.
func (s *Service) Export(ctx context.Context, actor recur.Actor, id string) ([]byte, error) {
	series, occs, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	var fields map[string]string
	for _, o := range occs {
		if o.Live(id) && (fields == nil || o.IsPrimary) {
			fields = o.Fields
			if o.IsPrimary {
				break
			}
		}
	}
	return ics.ExportSeries(series, fields, s.engine.Location(), s.now())
}

// ImportReport lists what Import created.
type ImportReport struct {
	SeriesIDs  []string
	Standalone []string
	Errors     []error
}

// Import turns parsed calendar items into series and standalone records.
// Overrides become single-occurrence edits on their series. Items that fail
// are reported and skipped.
func (s *Service) Import(ctx context.Context, actor recur.Actor, items []ics.Import, kind model.Kind) (ImportReport, error) {
	var rep ImportReport
	if kind == "" {
		kind = model.KindEvent
	}

	var standalone []model.Occurrence
	for _, item := range items {
		if item.RuleText == "" {
			o := model.Occurrence{
				ID:       s.newID(),
				Kind:     kind,
				OccursAt: item.Start.In(s.Location()),
				Fields:   copyFields(item.Fields),
			}
			standalone = append(standalone, o)
			rep.Standalone = append(rep.Standalone, o.ID)
			continue
		}

		id, err := s.engine.ImportSeries(ctx, actor, item.RuleText, item.Start, item.Exceptions)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("import %s: %w", item.UID, err))
			continue
		}
		if _, _, err := s.materialize(ctx, actor, id, kind, item.Fields); err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("import %s: %w", item.UID, err))
			continue
		}
		rep.SeriesIDs = append(rep.SeriesIDs, id)

		for _, ov := range item.Overrides {
			at := ov.Start
			req := recur.MutateRequest{
				Scope: model.ScopeSingle,
				Op:    model.OpEdit,
				Pivot: ov.Recurrence,
				Patch: model.FieldPatch{Set: ov.Fields, OccursAt: &at},
			}
			if _, err := s.Mutate(ctx, actor, id, req); err != nil {
				rep.Errors = append(rep.Errors, fmt.Errorf("import %s override %s: %w", item.UID, ov.Recurrence.Format(time.RFC3339), err))
			}
		}
	}

	if len(standalone) > 0 {
		if err := s.occs.Apply(ctx, nil, standalone); err != nil {
			return rep, fmt.Errorf("store standalone records: %w", err)
		}
	}
	appLog.Info("calendar imported", "owner", actor.UserID, "series", len(rep.SeriesIDs), "standalone", len(rep.Standalone), "errors", len(rep.Errors))
	return rep, nil
}

func copyFields(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
