package recur

import (
	"sort"
	"time"

	"recurd/internal/model"
	"recurd/internal/rule"
)

const defaultMaxCount = 5000

// Expander turns a series into concrete instants. It holds only immutable
// configuration, so one value can be shared freely.
type Expander struct {
	// Location is the fixed offset all instants are reported in.
	Location *time.Location
}

// NewExpander returns an Expander reporting instants in loc (UTC when nil).
func NewExpander(loc *time.Location) Expander {
	if loc == nil {
		loc = time.UTC
	}
	return Expander{Location: loc}
}

// Expand returns the ascending, de-duplicated instants of series inside the
// inclusive window [from, to], at most maxCount of them. A zero `to` means
// unbounded; maxCount <= 0 falls back to a fixed safety cap.
func (e Expander) Expand(series *model.Series, from, to time.Time, maxCount int) ([]time.Time, error) {
	if series == nil {
		return nil, ErrSeriesNotFound
	}
	if maxCount <= 0 {
		maxCount = defaultMaxCount
	}

	segs := make([]model.Segment, len(series.Segments))
	copy(segs, series.Segments)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Sequence < segs[j].Sequence })

	seen := make(map[int64]bool)
	var out []time.Time
	for _, seg := range segs {
		instants, err := e.expandSegment(seg, from, to, maxCount)
		if err != nil {
			return nil, err
		}
		for _, t := range instants {
			if seen[t.Unix()] {
				continue
			}
			seen[t.Unix()] = true
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if len(out) > maxCount {
		out = out[:maxCount]
	}
	return out, nil
}

// expandSegment generates one segment's surviving instants. Generation is
// anchored at EffectiveStart, not at the clamped window start, so the phase
// of the rule never depends on the window asked for.
func (e Expander) expandSegment(seg model.Segment, from, to time.Time, maxCount int) ([]time.Time, error) {
	r, err := rule.Parse(seg.RuleText, e.Location)
	if err != nil {
		return nil, &RuleError{Rule: seg.RuleText, Reason: "stored segment rule", Err: err}
	}

	lo := seg.EffectiveStart
	if from.After(lo) {
		lo = from
	}
	hi := to
	if seg.EffectiveEnd != nil {
		// EffectiveEnd is exclusive; anything at or after it is cut below.
		if hi.IsZero() || !seg.EffectiveEnd.After(hi) {
			hi = *seg.EffectiveEnd
		}
	}
	if !hi.IsZero() && hi.Before(lo) {
		return nil, nil
	}

	rr, err := r.Build(seg.EffectiveStart.In(e.Location))
	if err != nil {
		return nil, &RuleError{Rule: seg.RuleText, Reason: "cannot anchor rule", Err: err}
	}

	var out []time.Time
	next := rr.Iterator()
	for len(out) < maxCount {
		t, ok := next()
		if !ok {
			break
		}
		t = t.Truncate(time.Second).In(e.Location)
		if t.Before(lo) {
			continue
		}
		if seg.EffectiveEnd != nil && !t.Before(*seg.EffectiveEnd) {
			break
		}
		if !to.IsZero() && t.After(to) {
			break
		}
		if seg.IsException(t) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Produces reports whether series generates exactly instant t.
func (e Expander) Produces(series *model.Series, t time.Time) (bool, error) {
	t = t.Truncate(time.Second)
	got, err := e.Expand(series, t, t, 1)
	if err != nil {
		return false, err
	}
	return len(got) == 1 && got[0].Unix() == t.Unix(), nil
}

// NextAfter returns the first instant strictly after t, if any.
func (e Expander) NextAfter(series *model.Series, t time.Time) (time.Time, bool, error) {
	got, err := e.Expand(series, t.Truncate(time.Second).Add(time.Second), time.Time{}, 1)
	if err != nil || len(got) == 0 {
		return time.Time{}, false, err
	}
	return got[0], true, nil
}

// First returns the earliest instant of the series, if any.
func (e Expander) First(series *model.Series) (time.Time, bool, error) {
	got, err := e.Expand(series, time.Time{}, time.Time{}, 1)
	if err != nil || len(got) == 0 {
		return time.Time{}, false, err
	}
	return got[0], true, nil
}
