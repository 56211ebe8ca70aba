// Package rule parses and serializes the recurrence grammar accepted by the
// engine: FREQ, INTERVAL, BYDAY, BYMONTHDAY, COUNT and UNTIL.
//
// Parsing of token values is delegated to rrule-go; this package restricts
// the accepted token set, normalizes UNTIL to one fixed offset and renders a
// canonical text form so stored rules never depend on how a client spelled
// them.
package rule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var allowedKeys = map[string]bool{
	"FREQ":       true,
	"INTERVAL":   true,
	"BYDAY":      true,
	"BYMONTHDAY": true,
	"COUNT":      true,
	"UNTIL":      true,
}

var freqNames = map[rrule.Frequency]string{
	rrule.YEARLY:  "YEARLY",
	rrule.MONTHLY: "MONTHLY",
	rrule.WEEKLY:  "WEEKLY",
	rrule.DAILY:   "DAILY",
}

var dayNames = [...]string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}

// Rule is a parsed recurrence rule. It carries no anchor; Build attaches one.
type Rule struct {
	Freq       rrule.Frequency
	Interval   int
	ByDay      []rrule.Weekday
	ByMonthDay []int
	Count      int
	// Until is inclusive and always expressed in the parse location.
	Until time.Time
}

// Parse validates text and returns the rule. Floating UNTIL values are read
// in loc; UTC values are converted to loc.
func Parse(text string, loc *time.Location) (Rule, error) {
	if loc == nil {
		loc = time.UTC
	}
	body := strings.ToUpper(strings.TrimSpace(text))
	body = strings.TrimPrefix(body, "RRULE:")
	if body == "" {
		return Rule{}, errors.New("empty rule")
	}

	seen := make(map[string]bool)
	for _, part := range strings.Split(body, ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || value == "" {
			return Rule{}, fmt.Errorf("malformed token %q", part)
		}
		if !allowedKeys[key] {
			return Rule{}, fmt.Errorf("unsupported token %q", key)
		}
		if seen[key] {
			return Rule{}, fmt.Errorf("duplicate token %q", key)
		}
		seen[key] = true
	}
	if !seen["FREQ"] {
		return Rule{}, errors.New("FREQ is required")
	}
	if seen["COUNT"] && seen["UNTIL"] {
		return Rule{}, errors.New("COUNT and UNTIL are mutually exclusive")
	}

	opt, err := rrule.StrToROptionInLocation(body, loc)
	if err != nil {
		return Rule{}, err
	}
	if _, ok := freqNames[opt.Freq]; !ok {
		return Rule{}, fmt.Errorf("unsupported frequency in %q", body)
	}

	r := Rule{
		Freq:       opt.Freq,
		Interval:   opt.Interval,
		ByDay:      opt.Byweekday,
		ByMonthDay: opt.Bymonthday,
		Count:      opt.Count,
	}
	if r.Interval == 0 {
		r.Interval = 1
	}
	if r.Interval < 0 {
		return Rule{}, fmt.Errorf("INTERVAL must be positive, got %d", r.Interval)
	}
	if seen["COUNT"] && r.Count <= 0 {
		return Rule{}, fmt.Errorf("COUNT must be positive, got %d", r.Count)
	}
	for _, d := range r.ByMonthDay {
		if d == 0 || d > 31 || d < -31 {
			return Rule{}, fmt.Errorf("BYMONTHDAY out of range: %d", d)
		}
	}
	if !opt.Until.IsZero() {
		r.Until = opt.Until.In(loc).Truncate(time.Second)
	}
	return r, nil
}

// Bounded reports whether the rule ends on its own (COUNT or UNTIL).
func (r Rule) Bounded() bool {
	return r.Count > 0 || !r.Until.IsZero()
}

// WithCount returns a copy of r limited to n instances.
func (r Rule) WithCount(n int) Rule {
	out := r
	out.Count = n
	out.Until = time.Time{}
	return out
}

// Build anchors the rule at dtstart. The anchor fixes the phase: the default
// weekday for WEEKLY and the default day for MONTHLY come from it.
func (r Rule) Build(dtstart time.Time) (*rrule.RRule, error) {
	return rrule.NewRRule(rrule.ROption{
		Freq:       r.Freq,
		Dtstart:    dtstart.Truncate(time.Second),
		Interval:   r.Interval,
		Byweekday:  r.ByDay,
		Bymonthday: r.ByMonthDay,
		Count:      r.Count,
		Until:      r.Until,
	})
}

// FirstInstant returns the first instant >= from that r, anchored at from,
// produces. ok is false when the rule can produce nothing from there.
func (r Rule) FirstInstant(from time.Time) (time.Time, bool, error) {
	rr, err := r.Build(from)
	if err != nil {
		return time.Time{}, false, err
	}
	next := rr.Iterator()
	t, ok := next()
	return t, ok, nil
}

// String renders the canonical text form. UNTIL is written in UTC basic
// format so the stored text has a single representation per instant.
func (r Rule) String() string {
	parts := []string{"FREQ=" + freqNames[r.Freq]}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if len(r.ByDay) > 0 {
		days := make([]string, 0, len(r.ByDay))
		for i := range r.ByDay {
			wd := r.ByDay[i]
			name := dayNames[wd.Day()]
			if n := wd.N(); n != 0 {
				name = fmt.Sprintf("%+d%s", n, name)
			}
			days = append(days, name)
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if len(r.ByMonthDay) > 0 {
		days := make([]string, 0, len(r.ByMonthDay))
		for _, d := range r.ByMonthDay {
			days = append(days, strconv.Itoa(d))
		}
		parts = append(parts, "BYMONTHDAY="+strings.Join(days, ","))
	}
	if r.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	}
	if !r.Until.IsZero() {
		parts = append(parts, "UNTIL="+r.Until.UTC().Format("20060102T150405Z"))
	}
	return strings.Join(parts, ";")
}

// Canonical parses text and returns its canonical form.
func Canonical(text string, loc *time.Location) (string, error) {
	r, err := Parse(text, loc)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}
