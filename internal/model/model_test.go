package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSegmentContains(t *testing.T) {
	end := at("2025-01-05T09:00:00Z")
	seg := Segment{EffectiveStart: at("2025-01-01T09:00:00Z"), EffectiveEnd: &end}

	assert.False(t, seg.Contains(at("2024-12-31T09:00:00Z")))
	assert.True(t, seg.Contains(at("2025-01-01T09:00:00Z")))
	assert.True(t, seg.Contains(at("2025-01-05T08:59:59Z")))
	assert.False(t, seg.Contains(end), "end is exclusive")
}

func TestSegmentAddExceptionSecondResolution(t *testing.T) {
	var seg Segment
	seg.AddException(at("2025-01-03T09:00:00Z").Add(300 * time.Millisecond))
	seg.AddException(at("2025-01-03T09:00:00Z"))
	seg.AddException(at("2025-01-02T09:00:00Z"))

	require.Len(t, seg.Exceptions, 2)
	assert.True(t, seg.Exceptions[0].Before(seg.Exceptions[1]))
	assert.True(t, seg.IsException(at("2025-01-03T09:00:00Z").Add(900*time.Millisecond)))
}

func TestSeriesCloneIsDeep(t *testing.T) {
	end := at("2025-02-01T00:00:00Z")
	s := &Series{ID: "s", Segments: []Segment{{Sequence: 1, EffectiveEnd: &end, Exceptions: []time.Time{end}}}}
	c := s.Clone()

	*c.Segments[0].EffectiveEnd = at("2025-03-01T00:00:00Z")
	c.Segments[0].Exceptions[0] = time.Time{}

	assert.Equal(t, end, *s.Segments[0].EffectiveEnd)
	assert.Equal(t, end, s.Segments[0].Exceptions[0])
}

func TestSeriesSegmentAtPrefersLatestSequence(t *testing.T) {
	s := &Series{Segments: []Segment{
		{Sequence: 1, EffectiveStart: at("2025-01-01T00:00:00Z")},
		{Sequence: 2, EffectiveStart: at("2025-01-10T00:00:00Z")},
	}}
	assert.Equal(t, 0, s.SegmentAt(at("2025-01-05T00:00:00Z")))
	assert.Equal(t, 1, s.SegmentAt(at("2025-01-12T00:00:00Z")))
	assert.Equal(t, -1, s.SegmentAt(at("2024-01-01T00:00:00Z")))
	assert.Equal(t, 2, s.LastSequence())
	assert.Equal(t, at("2025-01-01T00:00:00Z"), s.Start())
}

func TestFieldPatchApply(t *testing.T) {
	o := Occurrence{Fields: map[string]string{"title": "standup", "room": "4F"}}
	FieldPatch{Set: map[string]string{"title": "sync"}, Unset: []string{"room"}}.Apply(&o)

	assert.Equal(t, map[string]string{"title": "sync"}, o.Fields)
	assert.True(t, FieldPatch{}.Empty())
}

func TestParseScopeAndOp(t *testing.T) {
	s, err := ParseScope("fromTime")
	require.NoError(t, err)
	assert.Equal(t, ScopeFromTime, s)

	_, err = ParseScope("everything")
	assert.Error(t, err)

	op, err := ParseOp("delete")
	require.NoError(t, err)
	assert.Equal(t, OpDelete, op)
}
