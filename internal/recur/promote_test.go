package recur

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurd/internal/model"
)

func newPromoter() Promoter {
	return Promoter{Expander: NewExpander(time.UTC), NewID: seqIDs("syn")}
}

func TestEnsurePromotesEarliestSurvivor(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY", day(1))
	live := []model.Occurrence{
		{ID: "c", SeriesID: "s", OccursAt: day(4)},
		{ID: "b", SeriesID: "s", OccursAt: day(3)},
		{ID: "x", SeriesID: "s", OccursAt: day(2), IsDetached: true},
	}
	updates, err := newPromoter().Ensure(s, live, &model.Occurrence{ID: "a", OccursAt: day(1)})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "b", updates[0].ID)
	assert.True(t, updates[0].IsPrimary)
}

func TestEnsureKeepsExistingPrimary(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY", day(1))
	live := []model.Occurrence{
		{ID: "a", SeriesID: "s", OccursAt: day(1)},
		{ID: "b", SeriesID: "s", OccursAt: day(2), IsPrimary: true},
	}
	updates, err := newPromoter().Ensure(s, live, nil)
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestEnsureDemotesExtraPrimaries(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY", day(1))
	live := []model.Occurrence{
		{ID: "late", SeriesID: "s", OccursAt: day(5), IsPrimary: true},
		{ID: "early", SeriesID: "s", OccursAt: day(2), IsPrimary: true},
	}
	updates, err := newPromoter().Ensure(s, live, nil)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "late", updates[0].ID)
	assert.False(t, updates[0].IsPrimary)
}

func TestEnsureSynthesizesAfterLostPrimary(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY", day(1))
	s.Segments[0].AddException(day(4))
	lost := &model.Occurrence{ID: "a", SeriesID: "s", OccursAt: day(3), Kind: model.KindReminder,
		Fields: map[string]string{"title": "pills"}}

	updates, err := newPromoter().Ensure(s, nil, lost)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	syn := updates[0]
	assert.Equal(t, day(5), syn.OccursAt)
	assert.True(t, syn.IsPrimary)
	assert.Equal(t, "s", syn.SeriesID)
	assert.Equal(t, model.KindReminder, syn.Kind)
	assert.Equal(t, "pills", syn.Fields["title"])
}

func TestEnsureExhausted(t *testing.T) {
	s := newSeries("s", "FREQ=DAILY;COUNT=2", day(1))
	_, err := newPromoter().Ensure(s, nil, &model.Occurrence{ID: "b", OccursAt: day(2)})
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
}
