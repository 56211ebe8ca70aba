package model

import (
	"fmt"
	"time"
)

// Scope selects which occurrences a mutation applies to.
type Scope string

const (
	ScopeSingle   Scope = "single"
	ScopeFuture   Scope = "future"
	ScopeAll      Scope = "all"
	ScopeFromTime Scope = "fromTime"
)

// ParseScope validates a scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeSingle, ScopeFuture, ScopeAll, ScopeFromTime:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

type Op string

const (
	OpEdit   Op = "edit"
	OpDelete Op = "delete"
)

// ParseOp validates an operation string.
func ParseOp(s string) (Op, error) {
	switch Op(s) {
	case OpEdit, OpDelete:
		return Op(s), nil
	}
	return "", fmt.Errorf("unknown op %q", s)
}

// FieldPatch changes payload fields. Set entries overwrite, Unset entries
// are removed. OccursAt moves a detached single occurrence.
type FieldPatch struct {
	Set      map[string]string
	Unset    []string
	OccursAt *time.Time
}

// Empty reports whether the patch changes nothing.
func (p FieldPatch) Empty() bool {
	return len(p.Set) == 0 && len(p.Unset) == 0 && p.OccursAt == nil
}

// Apply writes the payload part of the patch onto o. OccursAt is left to the
// caller since only some scopes may move time.
func (p FieldPatch) Apply(o *Occurrence) {
	if len(p.Set) == 0 && len(p.Unset) == 0 {
		return
	}
	if o.Fields == nil {
		o.Fields = make(map[string]string, len(p.Set))
	}
	for k, v := range p.Set {
		o.Fields[k] = v
	}
	for _, k := range p.Unset {
		delete(o.Fields, k)
	}
}
