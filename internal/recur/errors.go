package recur

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRule: rule text fails to parse or can produce no occurrence.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrSeriesNotFound: unknown series id (or not visible to the actor).
	ErrSeriesNotFound = errors.New("series not found")
	// ErrSeriesExhausted: no replacement primary could be synthesized.
	ErrSeriesExhausted = errors.New("series exhausted")
	// ErrConcurrentModification: a store saw a stale Version.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrInvalidMutation: scope/op/pivot combination that cannot be applied.
	ErrInvalidMutation = errors.New("invalid mutation")
	// ErrOccurrenceNotFound: pivot does not name an instant of the series.
	ErrOccurrenceNotFound = errors.New("occurrence not found")
)

// RuleError describes why a rule was rejected. It matches ErrInvalidRule
// under errors.Is.
type RuleError struct {
	Rule   string
	Reason string
	Err    error
}

func (e *RuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid rule %q: %s: %v", e.Rule, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid rule %q: %s", e.Rule, e.Reason)
}

func (e *RuleError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidRule, e.Err}
	}
	return []error{ErrInvalidRule}
}

// IsInvalidRule reports whether err was caused by a rejected rule.
func IsInvalidRule(err error) bool { return errors.Is(err, ErrInvalidRule) }

// IsNotFound reports whether err means the series does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrSeriesNotFound) }

// IsExhausted reports whether err means the series has nothing left to produce.
func IsExhausted(err error) bool { return errors.Is(err, ErrSeriesExhausted) }

// IsConflict reports whether err is an optimistic-concurrency failure.
func IsConflict(err error) bool { return errors.Is(err, ErrConcurrentModification) }
