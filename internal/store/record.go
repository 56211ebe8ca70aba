// Package store persists series and materialized occurrences.
//
// Every SeriesStore in this package encodes a series through Record, so
// the stored form is the same no matter which backend holds it.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"recurd/internal/model"
)

// Record is the persisted form of a series. Instants are ISO-8601 strings
// in the store's fixed offset.
type Record struct {
	ID       string          `json:"id" yaml:"id"`
	OwnerID  string          `json:"ownerId" yaml:"ownerId"`
	ParentID string          `json:"parentId" yaml:"parentId"`
	Segments []SegmentRecord `json:"segments" yaml:"segments"`
}

// SegmentRecord is the persisted form of one segment.
type SegmentRecord struct {
	Sequence          int      `json:"sequence" yaml:"sequence"`
	RuleText          string   `json:"ruleText" yaml:"ruleText"`
	EffectiveStart    string   `json:"effectiveStart" yaml:"effectiveStart"`
	EffectiveEnd      *string  `json:"effectiveEnd" yaml:"effectiveEnd"`
	ExceptionInstants []string `json:"exceptionInstants" yaml:"exceptionInstants"`
}

// Codec converts between series and records in one fixed offset.
type Codec struct {
	Location *time.Location
}

// NewCodec returns a codec for loc; nil means UTC.
func NewCodec(loc *time.Location) Codec {
	if loc == nil {
		loc = time.UTC
	}
	return Codec{Location: loc}
}

func (c Codec) format(t time.Time) string {
	return t.In(c.Location).Truncate(time.Second).Format(time.RFC3339)
}

func (c Codec) parse(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(c.Location), nil
}

// ToRecord builds the persisted form of s. Segments are ordered by
// sequence and exceptions by instant, so equal series encode identically.
func (c Codec) ToRecord(s *model.Series) Record {
	sorted := s.Clone()
	sorted.SortSegments()

	rec := Record{
		ID:       sorted.ID,
		OwnerID:  sorted.OwnerID,
		ParentID: sorted.ParentID,
		Segments: make([]SegmentRecord, 0, len(sorted.Segments)),
	}
	for _, seg := range sorted.Segments {
		sr := SegmentRecord{
			Sequence:          seg.Sequence,
			RuleText:          seg.RuleText,
			EffectiveStart:    c.format(seg.EffectiveStart),
			ExceptionInstants: make([]string, 0, len(seg.Exceptions)),
		}
		if seg.EffectiveEnd != nil {
			end := c.format(*seg.EffectiveEnd)
			sr.EffectiveEnd = &end
		}
		ex := append([]time.Time(nil), seg.Exceptions...)
		sort.Slice(ex, func(i, j int) bool { return ex[i].Before(ex[j]) })
		for _, t := range ex {
			sr.ExceptionInstants = append(sr.ExceptionInstants, c.format(t))
		}
		rec.Segments = append(rec.Segments, sr)
	}
	return rec
}

// FromRecord rebuilds a series. Version is left for the store to fill.
func (c Codec) FromRecord(rec Record) (*model.Series, error) {
	s := &model.Series{
		ID:       rec.ID,
		OwnerID:  rec.OwnerID,
		ParentID: rec.ParentID,
		Segments: make([]model.Segment, 0, len(rec.Segments)),
	}
	for _, sr := range rec.Segments {
		start, err := c.parse(sr.EffectiveStart)
		if err != nil {
			return nil, fmt.Errorf("series %s segment %d: effectiveStart: %w", rec.ID, sr.Sequence, err)
		}
		seg := model.Segment{
			SeriesID:       rec.ID,
			Sequence:       sr.Sequence,
			RuleText:       sr.RuleText,
			EffectiveStart: start,
		}
		if sr.EffectiveEnd != nil {
			end, err := c.parse(*sr.EffectiveEnd)
			if err != nil {
				return nil, fmt.Errorf("series %s segment %d: effectiveEnd: %w", rec.ID, sr.Sequence, err)
			}
			seg.EffectiveEnd = &end
		}
		for _, raw := range sr.ExceptionInstants {
			ex, err := c.parse(raw)
			if err != nil {
				return nil, fmt.Errorf("series %s segment %d: exception: %w", rec.ID, sr.Sequence, err)
			}
			seg.AddException(ex)
		}
		s.Segments = append(s.Segments, seg)
	}
	s.SortSegments()
	return s, nil
}

// Marshal encodes s as JSON.
func (c Codec) Marshal(s *model.Series) ([]byte, error) {
	return json.Marshal(c.ToRecord(s))
}

// Unmarshal decodes JSON produced by Marshal.
func (c Codec) Unmarshal(data []byte) (*model.Series, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode series: %w", err)
	}
	return c.FromRecord(rec)
}
