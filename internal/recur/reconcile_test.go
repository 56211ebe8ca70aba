package recur

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurd/internal/model"
)

var jan1Midnight = ts("2025-01-01T00:00:00Z")

func newReconciler(p Policy) Reconciler {
	return Reconciler{Expander: NewExpander(time.UTC), Policy: p, NewID: seqIDs("occ")}
}

func TestReconcileFirstRunMaterializesMinFuture(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY", day(1))
	r := newReconciler(DefaultPolicy())

	adds, err := r.Reconcile(s, nil, jan1Midnight)
	require.NoError(t, err)

	require.Len(t, adds, 10)
	assert.Equal(t, days(1, 2, 3, 4, 5, 6, 7, 8, 9, 10), liveTimes(adds, "s"))
	assert.Len(t, primaries(adds, "s"), 1)
	assert.Equal(t, day(1), primaries(adds, "s")[0].OccursAt)
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY", day(1))
	r := newReconciler(DefaultPolicy())

	adds, err := r.Reconcile(s, nil, jan1Midnight)
	require.NoError(t, err)

	again, err := r.Reconcile(s, adds, jan1Midnight)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestReconcileTopsUpAfterFurthest(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY", day(1))
	r := newReconciler(DefaultPolicy())

	first, err := r.Reconcile(s, nil, jan1Midnight)
	require.NoError(t, err)
	live := first[:3]

	adds, err := r.Reconcile(s, live, jan1Midnight)
	require.NoError(t, err)
	assert.Equal(t, days(4, 5, 6, 7, 8, 9, 10), liveTimes(adds, "s"))
	assert.Empty(t, primaries(adds, "s"), "live set already has a primary")
}

func TestReconcileNeverRecreatesException(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY", day(1))
	s.Segments[0].AddException(day(5))
	r := newReconciler(DefaultPolicy())

	first, err := r.Reconcile(s, nil, jan1Midnight)
	require.NoError(t, err)
	assert.NotContains(t, liveTimes(first, "s"), day(5))

	live := first
	for i := 0; i < 5; i++ {
		adds, err := r.Reconcile(s, live, ts("2025-01-03T00:00:00Z").AddDate(0, 0, i))
		require.NoError(t, err)
		live = append(live, adds...)
	}
	assert.NotContains(t, liveTimes(live, "s"), day(5))
}

func TestReconcileExhaustedCountAddsNothing(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY;COUNT=3", day(1))
	r := newReconciler(Policy{HorizonDays: 3650, MinFuture: 500, BatchCap: 500})

	live, err := r.Reconcile(s, nil, jan1Midnight)
	require.NoError(t, err)
	require.Len(t, live, 3)

	for _, now := range []time.Time{jan1Midnight, day(2), ts("2025-06-01T00:00:00Z")} {
		adds, err := r.Reconcile(s, live, now)
		require.NoError(t, err)
		assert.Empty(t, adds, "now=%s", now)
	}
}

func TestReconcileHorizonBindsFirst(t *testing.T) {
	s := newSeries("s", "FREQ=MONTHLY", day(1))
	r := newReconciler(DefaultPolicy())

	adds, err := r.Reconcile(s, nil, jan1Midnight)
	require.NoError(t, err)
	assert.Equal(t, days(1), liveTimes(adds, "s"))
}

func TestReconcileFarFutureSeriesStillGetsPrimary(t *testing.T) {
	s := newSeries("s", "FREQ=WEEKLY", ts("2025-06-02T09:00:00Z"))
	r := newReconciler(DefaultPolicy())

	adds, err := r.Reconcile(s, nil, jan1Midnight)
	require.NoError(t, err)
	require.Len(t, adds, 1)
	assert.True(t, adds[0].IsPrimary)
	assert.Equal(t, ts("2025-06-02T09:00:00Z"), adds[0].OccursAt)
}

func TestReconcileIgnoresOtherSeriesAndDetached(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY;COUNT=2", day(1))
	r := newReconciler(DefaultPolicy())

	live := []model.Occurrence{
		{ID: "other", SeriesID: "x", OccursAt: day(1), IsPrimary: true},
		{ID: "gone", SeriesID: "s", OccursAt: day(1), IsDetached: true},
	}
	adds, err := r.Reconcile(s, live, jan1Midnight)
	require.NoError(t, err)
	assert.Equal(t, days(1, 2), liveTimes(adds, "s"))
	assert.True(t, adds[0].IsPrimary)
}

func TestReconcileCopiesPrimaryPayload(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY", day(1))
	r := newReconciler(Policy{MinFuture: 2})

	live := []model.Occurrence{{
		ID: "p", SeriesID: "s", OccursAt: day(1), IsPrimary: true,
		Kind: model.KindReminder, Fields: map[string]string{"title": "water plants"},
	}}
	adds, err := r.Reconcile(s, live, jan1Midnight)
	require.NoError(t, err)
	require.Len(t, adds, 1)
	assert.Equal(t, model.KindReminder, adds[0].Kind)
	assert.Equal(t, "water plants", adds[0].Fields["title"])

	adds[0].Fields["title"] = "changed"
	assert.Equal(t, "water plants", live[0].Fields["title"], "payload must be copied")
}

func TestReconcileSkipsPastWhenIdle(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY", day(1))
	r := newReconciler(Policy{MinFuture: 2})

	live := []model.Occurrence{{ID: "p", SeriesID: "s", OccursAt: day(1), IsPrimary: true}}
	adds, err := r.Reconcile(s, live, ts("2025-01-20T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, days(20, 21), liveTimes(adds, "s"))
}
