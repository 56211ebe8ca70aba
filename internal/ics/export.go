package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"recurd/internal/model"
	"recurd/internal/rule"
)

const exdateLayout = "20060102T150405Z"

// ExportSeries renders series as a calendar with one VEVENT per segment.
// Each VEVENT's RRULE is bounded so it stops where the segment's window
// ends, and every exception becomes an EXDATE. fields supplies SUMMARY,
// DESCRIPTION and LOCATION; stamp is written as DTSTAMP.
func ExportSeries(series *model.Series, fields map[string]string, loc *time.Location, stamp time.Time) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}
	cal := ical.NewCalendarFor("recurd")
	cal.SetMethod(ical.MethodPublish)

	s := series.Clone()
	s.SortSegments()
	for _, seg := range s.Segments {
		text, err := boundedRule(seg, loc)
		if err != nil {
			return nil, fmt.Errorf("series %s segment %d: %w", s.ID, seg.Sequence, err)
		}

		ev := cal.AddEvent(fmt.Sprintf("%s-%d@recurd", s.ID, seg.Sequence))
		ev.SetDtStampTime(stamp)
		ev.SetStartAt(seg.EffectiveStart)
		ev.AddRrule(text)
		for _, ex := range seg.Exceptions {
			ev.AddExdate(ex.UTC().Format(exdateLayout))
		}
		if v := fields["title"]; v != "" {
			ev.SetSummary(v)
		}
		if v := fields["description"]; v != "" {
			ev.SetDescription(v)
		}
		if v := fields["location"]; v != "" {
			ev.SetLocation(v)
		}
		ev.AddProperty(ical.ComponentProperty("X-RECURD-SERIES"), s.ID)
	}
	return []byte(cal.Serialize(ical.WithNewLineWindows)), nil
}

// boundedRule folds the segment's EffectiveEnd into its rule text.
func boundedRule(seg model.Segment, loc *time.Location) (string, error) {
	r, err := rule.Parse(seg.RuleText, loc)
	if err != nil {
		return "", err
	}
	if seg.EffectiveEnd == nil {
		return r.String(), nil
	}
	last := seg.EffectiveEnd.Add(-time.Second)

	if r.Count > 0 {
		rr, err := r.Build(seg.EffectiveStart)
		if err != nil {
			return "", err
		}
		next := rr.Iterator()
		n := 0
		for t, ok := next(); ok && !t.After(last); t, ok = next() {
			n++
		}
		if n < r.Count {
			// The window cuts the rule short.
			r = r.WithCount(0)
			r.Until = last.In(loc)
		}
		return r.String(), nil
	}
	if r.Until.IsZero() || r.Until.After(last) {
		r.Until = last.In(loc)
	}
	return r.String(), nil
}
