package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurd/internal/model"
	"recurd/internal/recur"
)

var plus9 = time.FixedZone("+09:00", 9*60*60)

func sample() *model.Series {
	end := time.Date(2025, 1, 6, 8, 59, 59, 0, time.UTC)
	return &model.Series{
		ID:      "s1",
		OwnerID: "alice",
		Segments: []model.Segment{
			{
				SeriesID:       "s1",
				Sequence:       2,
				RuleText:       "FREQ=WEEKLY;BYDAY=MO,TH",
				EffectiveStart: time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
			},
			{
				SeriesID:       "s1",
				Sequence:       1,
				RuleText:       "FREQ=DAILY",
				EffectiveStart: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
				EffectiveEnd:   &end,
				Exceptions: []time.Time{
					time.Date(2025, 1, 3, 9, 0, 0, 0, time.UTC),
					time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC),
				},
			},
		},
	}
}

func TestCodecRecordShape(t *testing.T) {
	data, err := NewCodec(plus9).Marshal(sample())
	require.NoError(t, err)

	want := `{"id":"s1","ownerId":"alice","parentId":"","segments":[` +
		`{"sequence":1,"ruleText":"FREQ=DAILY","effectiveStart":"2025-01-01T18:00:00+09:00","effectiveEnd":"2025-01-06T17:59:59+09:00",` +
		`"exceptionInstants":["2025-01-02T18:00:00+09:00","2025-01-03T18:00:00+09:00"]},` +
		`{"sequence":2,"ruleText":"FREQ=WEEKLY;BYDAY=MO,TH","effectiveStart":"2025-01-06T18:00:00+09:00","effectiveEnd":null,"exceptionInstants":[]}]}`
	assert.JSONEq(t, want, string(data))
	assert.Equal(t, want, string(data))
}

func TestCodecRoundTripIsByteIdentical(t *testing.T) {
	c := NewCodec(plus9)
	first, err := c.Marshal(sample())
	require.NoError(t, err)

	decoded, err := c.Unmarshal(first)
	require.NoError(t, err)
	second, err := c.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	assert.Equal(t, 1, decoded.Segments[0].Sequence)
	assert.Equal(t, plus9, decoded.Segments[0].EffectiveStart.Location())
	assert.True(t, decoded.Segments[0].IsException(time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)))
}

func TestCodecRejectsBadInstant(t *testing.T) {
	_, err := NewCodec(nil).Unmarshal([]byte(`{"id":"x","segments":[{"sequence":1,"ruleText":"FREQ=DAILY","effectiveStart":"tomorrow"}]}`))
	assert.Error(t, err)
}

type seriesStoreFactory func(t *testing.T) SeriesStore

func seriesStores() map[string]seriesStoreFactory {
	return map[string]seriesStoreFactory{
		"memory": func(t *testing.T) SeriesStore { return NewMemoryStore(plus9) },
		"file": func(t *testing.T) SeriesStore {
			fs, err := NewFileStore(t.TempDir(), plus9)
			require.NoError(t, err)
			return fs
		},
		"sqlite": func(t *testing.T) SeriesStore {
			db, err := OpenSQLite(filepath.Join(t.TempDir(), "recurd.db"), plus9)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return db
		},
	}
}

func TestSeriesStores(t *testing.T) {
	ctx := context.Background()
	c := NewCodec(plus9)

	for name, factory := range seriesStores() {
		t.Run(name, func(t *testing.T) {
			st := factory(t)

			_, err := st.Load(ctx, "s1")
			assert.True(t, recur.IsNotFound(err))

			s := sample()
			require.NoError(t, st.Save(ctx, s))
			assert.Equal(t, 1, s.Version)

			loaded, err := st.Load(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 1, loaded.Version)

			want, err := c.Marshal(sample())
			require.NoError(t, err)
			got, err := c.Marshal(loaded)
			require.NoError(t, err)
			assert.Equal(t, string(want), string(got))

			// A writer holding the old version loses.
			stale := sample()
			err = st.Save(ctx, stale)
			assert.True(t, recur.IsConflict(err))

			loaded.Segments[1].AddException(time.Date(2025, 1, 9, 9, 0, 0, 0, time.UTC))
			require.NoError(t, st.Save(ctx, loaded))
			assert.Equal(t, 2, loaded.Version)

			ids, err := st.IDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"s1"}, ids)

			require.NoError(t, st.Delete(ctx, "s1"))
			_, err = st.Load(ctx, "s1")
			assert.True(t, recur.IsNotFound(err))
			require.NoError(t, st.Delete(ctx, "s1"))
		})
	}
}

func TestFileStoreRejectsPathIDs(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	err = fs.Save(context.Background(), &model.Series{ID: "../escape"})
	assert.Error(t, err)
}

type occurrenceStoreFactory func(t *testing.T) OccurrenceStore

func occurrenceStores() map[string]occurrenceStoreFactory {
	return map[string]occurrenceStoreFactory{
		"memory": func(t *testing.T) OccurrenceStore { return NewMemoryOccurrences() },
		"sqlite": func(t *testing.T) OccurrenceStore {
			db, err := OpenSQLite(":memory:", time.UTC)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return db
		},
	}
}

func TestOccurrenceStores(t *testing.T) {
	ctx := context.Background()
	at := func(d int) time.Time { return time.Date(2025, 1, d, 9, 0, 0, 0, time.UTC) }

	for name, factory := range occurrenceStores() {
		t.Run(name, func(t *testing.T) {
			st := factory(t)

			require.NoError(t, st.Apply(ctx, nil, []model.Occurrence{
				{ID: "b", SeriesID: "s1", Kind: model.KindEvent, OccursAt: at(2), Fields: map[string]string{"title": "standup"}},
				{ID: "a", SeriesID: "s1", Kind: model.KindEvent, OccursAt: at(1), IsPrimary: true, Fields: map[string]string{"title": "standup"}},
				{ID: "c", SeriesID: "s2", Kind: model.KindReminder, OccursAt: at(1)},
			}))

			got, err := st.List(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "a", got[0].ID)
			assert.True(t, got[0].IsPrimary)
			assert.Equal(t, "standup", got[0].Fields["title"])
			assert.True(t, got[0].OccursAt.Equal(at(1)))

			// Detaching moves the record out of the series.
			detached := got[1]
			detached.SeriesID = ""
			detached.IsDetached = true
			detached.Cancelled = true
			require.NoError(t, st.Apply(ctx, []string{"a"}, []model.Occurrence{detached}))

			got, err = st.List(ctx, "s1")
			require.NoError(t, err)
			assert.Empty(t, got)

			standalone, err := st.ListStandalone(ctx)
			require.NoError(t, err)
			require.Len(t, standalone, 1)
			assert.Equal(t, "b", standalone[0].ID)
			assert.True(t, standalone[0].IsDetached)
			assert.True(t, standalone[0].Cancelled)

			one, err := st.Get(ctx, "c")
			require.NoError(t, err)
			assert.Equal(t, model.KindReminder, one.Kind)

			_, err = st.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
