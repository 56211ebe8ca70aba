package ics

import (
	"fmt"
	"sort"
	"time"

	"recurd/internal/rule"
)

// Import is one calendar item ready to become a series, or a standalone
// record when RuleText is empty.
type Import struct {
	UID        string
	RuleText   string
	Start      time.Time
	Exceptions []time.Time
	Fields     map[string]string
	Overrides  []Override
}

// Override is a RECURRENCE-ID event: the instance at Recurrence was moved
// to Start and/or given its own fields.
type Override struct {
	Recurrence time.Time
	Start      time.Time
	Fields     map[string]string
}

// ImportEvents groups parsed events by UID into imports. Events whose rule
// falls outside the supported grammar are reported in errs and skipped;
// the rest are still returned.
func ImportEvents(events []ParsedEvent, loc *time.Location) ([]Import, []error) {
	if loc == nil {
		loc = time.UTC
	}

	overrides := make(map[string][]Override)
	var bases []ParsedEvent
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overrides[ev.UID] = append(overrides[ev.UID], Override{
				Recurrence: ev.Recurrence.In(loc),
				Start:      ev.Start.In(loc),
				Fields:     eventFields(ev),
			})
			continue
		}
		bases = append(bases, ev)
	}

	var (
		out  []Import
		errs []error
	)
	for _, ev := range bases {
		imp, err := ImportEvent(ev, loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if imp.RuleText != "" {
			imp.Overrides = overrides[ev.UID]
			sort.Slice(imp.Overrides, func(i, j int) bool {
				return imp.Overrides[i].Recurrence.Before(imp.Overrides[j].Recurrence)
			})
		}
		out = append(out, imp)
	}
	return out, errs
}

// ImportEvent converts one non-override event.
func ImportEvent(ev ParsedEvent, loc *time.Location) (Import, error) {
	imp := Import{
		UID:    ev.UID,
		Start:  ev.Start.In(loc).Truncate(time.Second),
		Fields: eventFields(ev),
	}
	if ev.RawRRule == "" {
		return imp, nil
	}

	text, err := rule.Canonical(ev.RawRRule, loc)
	if err != nil {
		return Import{}, fmt.Errorf("event %s: %w", ev.UID, err)
	}
	imp.RuleText = text
	for _, ex := range ev.ExDates {
		imp.Exceptions = append(imp.Exceptions, ex.In(loc).Truncate(time.Second))
	}
	sort.Slice(imp.Exceptions, func(i, j int) bool { return imp.Exceptions[i].Before(imp.Exceptions[j]) })
	return imp, nil
}

func eventFields(ev ParsedEvent) map[string]string {
	fields := map[string]string{"uid": ev.UID}
	if ev.Summary != "" {
		fields["title"] = ev.Summary
	}
	if ev.Description != "" {
		fields["description"] = ev.Description
	}
	if ev.Location != "" {
		fields["location"] = ev.Location
	}
	return fields
}
