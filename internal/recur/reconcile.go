package recur

import (
	"time"

	"recurd/internal/model"
)

// Policy controls how far ahead a series is kept materialized.
type Policy struct {
	// HorizonDays bounds how far past "now" top-up may reach.
	HorizonDays int
	// MinFuture is the number of future instances top-up aims for.
	MinFuture int
	// BatchCap limits how many records one reconciliation may add.
	BatchCap int
}

// DefaultPolicy keeps at least 10 future instances or 30 days, whichever
// bound is met first.
func DefaultPolicy() Policy {
	return Policy{HorizonDays: 30, MinFuture: 10, BatchCap: 50}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.HorizonDays <= 0 {
		p.HorizonDays = d.HorizonDays
	}
	if p.MinFuture <= 0 {
		p.MinFuture = d.MinFuture
	}
	if p.BatchCap <= 0 {
		p.BatchCap = d.BatchCap
	}
	return p
}

// Reconciler decides which future occurrences must be materialized.
type Reconciler struct {
	Expander Expander
	Policy   Policy
	// NewID mints occurrence ids.
	NewID func() string
}

// Reconcile returns the records to add so series stays topped up. live may
// contain records of other series and detached records; they are ignored.
//
// Calling Reconcile again with the returned records added to live yields
// nothing: instants already present are always filtered out.
func (r Reconciler) Reconcile(series *model.Series, live []model.Occurrence, now time.Time) ([]model.Occurrence, error) {
	if series == nil {
		return nil, ErrSeriesNotFound
	}
	policy := r.Policy.normalized()
	now = now.Truncate(time.Second)
	horizonEnd := now.AddDate(0, 0, policy.HorizonDays)

	present := make(map[int64]bool)
	var furthest time.Time
	future := 0
	var template *model.Occurrence
	count := 0
	for i := range live {
		o := live[i]
		if !o.Live(series.ID) {
			continue
		}
		count++
		present[o.OccursAt.Unix()] = true
		if o.OccursAt.After(furthest) {
			furthest = o.OccursAt
		}
		if o.OccursAt.After(now) {
			future++
		}
		if o.IsPrimary {
			template = &live[i]
		} else if template == nil {
			template = &live[i]
		}
	}

	if future >= policy.MinFuture || (!furthest.IsZero() && !furthest.Before(horizonEnd)) {
		return nil, nil
	}

	from := now
	if !furthest.IsZero() && !furthest.Before(now) {
		from = furthest.Truncate(time.Second).Add(time.Second)
	}

	instants, err := r.Expander.Expand(series, from, horizonEnd, policy.BatchCap)
	if err != nil {
		return nil, err
	}

	var adds []model.Occurrence
	for _, t := range instants {
		if future >= policy.MinFuture {
			break
		}
		if present[t.Unix()] {
			continue
		}
		present[t.Unix()] = true
		adds = append(adds, r.newOccurrence(series.ID, t, template))
		if t.After(now) {
			future++
		}
	}

	// A series with no live records still gets its primary, even when the
	// next instant lies beyond the horizon.
	if count == 0 && len(adds) == 0 {
		next, ok, err := r.Expander.NextAfter(series, now.Add(-time.Second))
		if err != nil {
			return nil, err
		}
		if ok {
			adds = append(adds, r.newOccurrence(series.ID, next, template))
		}
	}
	if count == 0 && len(adds) > 0 {
		adds[0].IsPrimary = true
	}
	return adds, nil
}

func (r Reconciler) newOccurrence(seriesID string, at time.Time, template *model.Occurrence) model.Occurrence {
	o := model.Occurrence{
		ID:       r.NewID(),
		SeriesID: seriesID,
		OccursAt: at,
		Kind:     model.KindEvent,
	}
	if template != nil {
		c := template.Clone()
		o.Kind = c.Kind
		o.Fields = c.Fields
	}
	return o
}
