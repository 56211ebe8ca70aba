package model

import (
	"sort"
	"time"
)

// Segment is one contiguous piece of a recurrence rule's history.
//
// EffectiveStart is fixed at creation. EffectiveEnd and Exceptions are the
// only fields truncation and single-occurrence mutations touch.
type Segment struct {
	SeriesID string
	Sequence int

	// RuleText is the RRULE body, e.g. "FREQ=WEEKLY;BYDAY=MO,WE".
	RuleText string

	EffectiveStart time.Time
	// EffectiveEnd is exclusive: the segment generates nothing at or after it.
	EffectiveEnd *time.Time

	// Exceptions are excluded instants, compared at second resolution.
	Exceptions []time.Time
}

// Contains reports whether t lies inside the segment's [start, end) window.
func (s Segment) Contains(t time.Time) bool {
	if t.Before(s.EffectiveStart) {
		return false
	}
	if s.EffectiveEnd != nil && !t.Before(*s.EffectiveEnd) {
		return false
	}
	return true
}

// IsException reports whether t was excluded from this segment.
func (s Segment) IsException(t time.Time) bool {
	key := t.Unix()
	for _, ex := range s.Exceptions {
		if ex.Unix() == key {
			return true
		}
	}
	return false
}

// AddException records t as excluded. Adding the same instant twice is a no-op.
func (s *Segment) AddException(t time.Time) {
	if s.IsException(t) {
		return
	}
	s.Exceptions = append(s.Exceptions, t.Truncate(time.Second))
	sort.Slice(s.Exceptions, func(i, j int) bool { return s.Exceptions[i].Before(s.Exceptions[j]) })
}

// Series is the full, possibly many-times-edited, lifetime of one recurring item.
type Series struct {
	ID      string
	OwnerID string
	// ParentID names the series this one was split from by a
	// "this and future" rule change. Empty for an original series.
	ParentID string

	// Version is maintained by stores for optimistic concurrency.
	Version int

	Segments []Segment
}

// Clone returns a deep copy so mutations never alias the caller's series.
func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	out := *s
	out.Segments = make([]Segment, len(s.Segments))
	for i, seg := range s.Segments {
		c := seg
		if seg.EffectiveEnd != nil {
			end := *seg.EffectiveEnd
			c.EffectiveEnd = &end
		}
		c.Exceptions = append([]time.Time(nil), seg.Exceptions...)
		out.Segments[i] = c
	}
	return &out
}

// SortSegments orders segments by Sequence.
func (s *Series) SortSegments() {
	sort.SliceStable(s.Segments, func(i, j int) bool { return s.Segments[i].Sequence < s.Segments[j].Sequence })
}

// LastSequence returns the highest segment sequence, or 0 for an empty series.
func (s *Series) LastSequence() int {
	last := 0
	for _, seg := range s.Segments {
		if seg.Sequence > last {
			last = seg.Sequence
		}
	}
	return last
}

// SegmentAt returns the index of the latest-sequence segment whose window
// holds t, or -1.
func (s *Series) SegmentAt(t time.Time) int {
	idx := -1
	for i, seg := range s.Segments {
		if seg.Contains(t) && (idx < 0 || seg.Sequence > s.Segments[idx].Sequence) {
			idx = i
		}
	}
	return idx
}

// Start returns the earliest EffectiveStart across segments.
func (s *Series) Start() time.Time {
	var start time.Time
	for i, seg := range s.Segments {
		if i == 0 || seg.EffectiveStart.Before(start) {
			start = seg.EffectiveStart
		}
	}
	return start
}

type Kind string

const (
	KindEvent    Kind = "event"
	KindReminder Kind = "reminder"
)

// Occurrence is a materialized event/reminder row. The engine only reads and
// writes the scheduling fields; Fields is opaque payload carried along.
type Occurrence struct {
	ID string
	// SeriesID is empty when the record is not, or no longer, part of a series.
	SeriesID string
	Kind     Kind

	OccursAt time.Time

	IsPrimary  bool
	IsDetached bool

	// Cancelled marks the detached record a single delete leaves behind.
	Cancelled bool

	Fields map[string]string
}

// Live reports whether o still participates in series seriesID.
func (o Occurrence) Live(seriesID string) bool {
	return o.SeriesID == seriesID && seriesID != "" && !o.IsDetached
}

// Clone copies the occurrence including its payload map.
func (o Occurrence) Clone() Occurrence {
	out := o
	if o.Fields != nil {
		out.Fields = make(map[string]string, len(o.Fields))
		for k, v := range o.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// SortByTime orders occurrences by OccursAt, then ID for stability.
func SortByTime(occs []Occurrence) {
	sort.SliceStable(occs, func(i, j int) bool {
		if occs[i].OccursAt.Equal(occs[j].OccursAt) {
			return occs[i].ID < occs[j].ID
		}
		return occs[i].OccursAt.Before(occs[j].OccursAt)
	})
}
