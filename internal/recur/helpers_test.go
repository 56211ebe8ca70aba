package recur

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recurd/internal/model"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newSeries(id, ruleText string, start time.Time) *model.Series {
	return &model.Series{
		ID: id,
		Segments: []model.Segment{{
			SeriesID:       id,
			Sequence:       1,
			RuleText:       ruleText,
			EffectiveStart: start,
		}},
	}
}

func day(d int) time.Time {
	return time.Date(2025, 1, d, 9, 0, 0, 0, time.UTC)
}

// materialize runs a first reconciliation the way a caller would after
// creating a series.
func materialize(t *testing.T, m Mutator, s *model.Series, now time.Time) []model.Occurrence {
	t.Helper()
	adds, err := m.Reconciler.Reconcile(s, nil, now)
	require.NoError(t, err)
	return adds
}

// apply folds a mutation result into the caller's record list.
func apply(occs []model.Occurrence, res MutateResult) []model.Occurrence {
	gone := make(map[string]bool, len(res.Delete))
	for _, id := range res.Delete {
		gone[id] = true
	}
	byID := make(map[string]int)
	var out []model.Occurrence
	for _, o := range occs {
		if gone[o.ID] {
			continue
		}
		byID[o.ID] = len(out)
		out = append(out, o)
	}
	for _, o := range res.Upsert {
		if i, ok := byID[o.ID]; ok {
			out[i] = o
			continue
		}
		byID[o.ID] = len(out)
		out = append(out, o)
	}
	return out
}

func liveTimes(occs []model.Occurrence, seriesID string) []time.Time {
	var live []model.Occurrence
	for _, o := range occs {
		if o.Live(seriesID) {
			live = append(live, o)
		}
	}
	model.SortByTime(live)
	out := make([]time.Time, 0, len(live))
	for _, o := range live {
		out = append(out, o.OccursAt)
	}
	return out
}

func primaries(occs []model.Occurrence, seriesID string) []model.Occurrence {
	var out []model.Occurrence
	for _, o := range occs {
		if o.Live(seriesID) && o.IsPrimary {
			out = append(out, o)
		}
	}
	return out
}

func days(ds ...int) []time.Time {
	out := make([]time.Time, 0, len(ds))
	for _, d := range ds {
		out = append(out, day(d))
	}
	return out
}

func strp(s string) *string { return &s }
