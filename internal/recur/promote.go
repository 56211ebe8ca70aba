package recur

import (
	"fmt"
	"time"

	"recurd/internal/model"
)

// Promoter keeps exactly one live primary per series.
type Promoter struct {
	Expander Expander
	NewID    func() string
}

// Ensure returns the records that must be upserted so that series has
// exactly one primary among its live records. lost is the primary that was
// just deleted or detached, if any; its payload seeds a synthesized record
// and its instant is where the search for a replacement starts.
//
// When no live record remains and the series cannot produce another instant
// after lost, Ensure returns ErrSeriesExhausted and no updates.
func (p Promoter) Ensure(series *model.Series, occs []model.Occurrence, lost *model.Occurrence) ([]model.Occurrence, error) {
	if series == nil {
		return nil, ErrSeriesNotFound
	}

	var live []model.Occurrence
	for _, o := range occs {
		if o.Live(series.ID) {
			live = append(live, o)
		}
	}
	model.SortByTime(live)

	var updates []model.Occurrence
	primaries := 0
	for _, o := range live {
		if !o.IsPrimary {
			continue
		}
		primaries++
		if primaries > 1 {
			o.IsPrimary = false
			updates = append(updates, o)
		}
	}
	if primaries > 0 {
		return updates, nil
	}

	if len(live) > 0 {
		first := live[0]
		first.IsPrimary = true
		return []model.Occurrence{first}, nil
	}

	var (
		next time.Time
		ok   bool
		err  error
	)
	if lost != nil {
		next, ok, err = p.Expander.NextAfter(series, lost.OccursAt)
	} else {
		next, ok, err = p.Expander.First(series)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("series %s: no instant left for a primary: %w", series.ID, ErrSeriesExhausted)
	}

	synth := model.Occurrence{
		ID:        p.NewID(),
		SeriesID:  series.ID,
		Kind:      model.KindEvent,
		OccursAt:  next,
		IsPrimary: true,
	}
	if lost != nil {
		c := lost.Clone()
		synth.Kind = c.Kind
		synth.Fields = c.Fields
	}
	return []model.Occurrence{synth}, nil
}
