package recur

import (
	"errors"
	"fmt"
	"time"

	"recurd/internal/model"
	"recurd/internal/rule"
)

// MutateRequest describes one user edit or delete.
type MutateRequest struct {
	Scope model.Scope
	Op    model.Op

	// Pivot is the target occurrence's instant for single and future, and
	// the cut instant for fromTime. With scope all it only selects which
	// record survives when the rule is cleared.
	Pivot time.Time

	// NewRule nil keeps the current rule. A pointer to "" clears the rule
	// and turns the targeted record into a standalone one.
	NewRule *string
	// NewStart anchors the new segment later than Pivot (fromTime/future).
	NewStart *time.Time

	Patch model.FieldPatch
}

func (r MutateRequest) clearsRule() bool {
	return r.NewRule != nil && *r.NewRule == ""
}

func (r MutateRequest) changesRule() bool {
	return r.NewRule != nil && *r.NewRule != ""
}

// MutateResult is everything the caller must persist after a mutation.
//
// The old series must be saved (or deleted) before NewSeries is saved.
type MutateResult struct {
	// Series is the updated series; nil when SeriesDeleted.
	Series        *model.Series
	SeriesDeleted bool

	// Delete lists occurrence ids to remove; Upsert lists records to write,
	// including records that now belong to NewSeries or to no series.
	Delete []string
	Upsert []model.Occurrence

	// NewSeries is the child series created by a future/fromTime rule split.
	NewSeries *model.Series

	// Exhausted is set when the series lost its last record and has no
	// instant left to promote.
	Exhausted bool
}

// Mutator applies scoped edits and deletes.
type Mutator struct {
	Expander   Expander
	Reconciler Reconciler
	Promoter   Promoter
	NewID      func() string
}

// NewMutator wires the expander, reconciler and promoter around one id source.
func NewMutator(exp Expander, policy Policy, newID func() string) Mutator {
	return Mutator{
		Expander:   exp,
		Reconciler: Reconciler{Expander: exp, Policy: policy, NewID: newID},
		Promoter:   Promoter{Expander: exp, NewID: newID},
		NewID:      newID,
	}
}

// Mutate applies req to series and the records in occs. Neither input is
// modified. When the series ends up with no record and no instant to
// promote, the result is still valid and is returned together with an
// error matching ErrSeriesExhausted.
func (m Mutator) Mutate(series *model.Series, occs []model.Occurrence, req MutateRequest, now time.Time) (MutateResult, error) {
	if series == nil {
		return MutateResult{}, ErrSeriesNotFound
	}
	if _, err := model.ParseScope(string(req.Scope)); err != nil {
		return MutateResult{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	if _, err := model.ParseOp(string(req.Op)); err != nil {
		return MutateResult{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	if req.Scope != model.ScopeAll && req.Pivot.IsZero() {
		return MutateResult{}, fmt.Errorf("%w: scope %s needs a pivot instant", ErrInvalidMutation, req.Scope)
	}
	if req.Patch.OccursAt != nil && !(req.Scope == model.ScopeSingle && req.Op == model.OpEdit) {
		return MutateResult{}, fmt.Errorf("%w: only a single edit may move an occurrence", ErrInvalidMutation)
	}
	if req.NewStart != nil && req.NewStart.Before(req.Pivot) {
		return MutateResult{}, fmt.Errorf("%w: new start precedes pivot", ErrInvalidMutation)
	}

	req.Pivot = req.Pivot.Truncate(time.Second)
	st := &mutation{
		m:   m,
		s:   series.Clone(),
		ws:  newWorkset(occs),
		req: req,
		now: now.Truncate(time.Second),
	}

	var err error
	switch req.Scope {
	case model.ScopeSingle:
		if req.NewRule != nil {
			return MutateResult{}, fmt.Errorf("%w: rule changes need scope future, fromTime or all", ErrInvalidMutation)
		}
		if req.Op == model.OpDelete {
			err = st.deleteSingle()
		} else {
			err = st.editSingle()
		}
	case model.ScopeAll:
		if req.Op == model.OpDelete {
			st.deleteAll()
		} else {
			err = st.editAll()
		}
	case model.ScopeFuture:
		if !st.isInstant(req.Pivot) {
			return MutateResult{}, fmt.Errorf("%w: %s", ErrOccurrenceNotFound, req.Pivot.Format(time.RFC3339))
		}
		err = st.fromTime()
	case model.ScopeFromTime:
		err = st.fromTime()
	}
	if err != nil && !errors.Is(err, ErrSeriesExhausted) {
		return MutateResult{}, err
	}
	return st.result(), err
}

// mutation is the scratch state of one Mutate call.
type mutation struct {
	m   Mutator
	s   *model.Series
	ws  *workset
	req MutateRequest
	now time.Time

	deleted   bool
	child     *model.Series
	lost      *model.Occurrence
	exhausted bool
}

func (st *mutation) result() MutateResult {
	res := MutateResult{
		SeriesDeleted: st.deleted,
		NewSeries:     st.child,
		Exhausted:     st.exhausted,
	}
	if !st.deleted {
		res.Series = st.s
	}
	res.Delete, res.Upsert = st.ws.changes()
	return res
}

// isInstant reports whether t is a live record or an instant the series produces.
func (st *mutation) isInstant(t time.Time) bool {
	if _, ok := st.ws.liveAt(st.s.ID, t); ok {
		return true
	}
	ok, err := st.m.Expander.Produces(st.s, t)
	return err == nil && ok
}

// drop deletes a record, remembering it when it was the primary.
func (st *mutation) drop(o model.Occurrence) {
	if o.IsPrimary && st.lost == nil {
		c := o.Clone()
		st.lost = &c
	}
	st.ws.del(o.ID)
}

// detach turns o into a standalone record carrying the patch.
func (st *mutation) detach(o model.Occurrence) model.Occurrence {
	if o.IsPrimary && st.lost == nil {
		c := o.Clone()
		st.lost = &c
	}
	o.SeriesID = ""
	o.IsDetached = true
	o.IsPrimary = false
	st.req.Patch.Apply(&o)
	st.ws.put(o)
	return o
}

// cancel unlinks o from its series and keeps it as a cancelled tombstone.
func (st *mutation) cancel(o model.Occurrence) {
	if o.IsPrimary && st.lost == nil {
		c := o.Clone()
		st.lost = &c
	}
	o.SeriesID = ""
	o.IsDetached = true
	o.IsPrimary = false
	o.Cancelled = true
	st.ws.put(o)
}

// template picks the payload source for new records: the pivot record, the
// primary, the record lost in this mutation, or any live record.
func (st *mutation) template(seriesID string) *model.Occurrence {
	if o, ok := st.ws.liveAt(seriesID, st.req.Pivot); ok {
		return &o
	}
	if o, ok := st.ws.primary(seriesID); ok {
		return &o
	}
	if st.lost != nil {
		return st.lost
	}
	if live := st.ws.live(seriesID); len(live) > 0 {
		return &live[0]
	}
	return nil
}

func (st *mutation) addException(t time.Time) {
	for i := range st.s.Segments {
		if st.s.Segments[i].Contains(t) {
			st.s.Segments[i].AddException(t)
		}
	}
}

// settle restores the primary invariant of the old series.
func (st *mutation) settle() error {
	if st.deleted {
		return nil
	}
	updates, err := st.m.Promoter.Ensure(st.s, st.ws.list(), st.lost)
	if errors.Is(err, ErrSeriesExhausted) {
		st.exhausted = true
		return err
	}
	if err != nil {
		return err
	}
	st.ws.putAll(updates)
	return nil
}

func (st *mutation) deleteSingle() error {
	t := st.req.Pivot
	rec, hasRec := st.ws.liveAt(st.s.ID, t)
	if !hasRec && !st.isInstant(t) {
		return fmt.Errorf("%w: %s", ErrOccurrenceNotFound, t.Format(time.RFC3339))
	}
	st.addException(t)
	if hasRec {
		st.cancel(rec)
	}
	return st.settle()
}

func (st *mutation) editSingle() error {
	t := st.req.Pivot
	rec, hasRec := st.ws.liveAt(st.s.ID, t)
	if !hasRec {
		if !st.isInstant(t) {
			return fmt.Errorf("%w: %s", ErrOccurrenceNotFound, t.Format(time.RFC3339))
		}
		rec = model.Occurrence{ID: st.m.NewID(), Kind: model.KindEvent, OccursAt: t}
		if tpl := st.template(st.s.ID); tpl != nil {
			c := tpl.Clone()
			rec.Kind, rec.Fields = c.Kind, c.Fields
		}
	}
	st.addException(t)
	if st.req.Patch.OccursAt != nil {
		rec.OccursAt = st.req.Patch.OccursAt.Truncate(time.Second)
	}
	st.detach(rec)
	return st.settle()
}

func (st *mutation) deleteAll() {
	for _, o := range st.ws.live(st.s.ID) {
		st.ws.del(o.ID)
	}
	st.deleted = true
}

func (st *mutation) editAll() error {
	if st.req.clearsRule() {
		target, ok := st.ws.liveAt(st.s.ID, st.req.Pivot)
		if !ok {
			target, ok = st.ws.primary(st.s.ID)
		}
		for _, o := range st.ws.live(st.s.ID) {
			if ok && o.ID == target.ID {
				continue
			}
			st.ws.del(o.ID)
		}
		if ok {
			st.detach(target)
		}
		st.deleted = true
		return nil
	}

	for _, o := range st.ws.live(st.s.ID) {
		st.req.Patch.Apply(&o)
		st.ws.put(o)
	}
	if !st.req.changesRule() {
		return nil
	}

	canonical, err := st.canonical(*st.req.NewRule)
	if err != nil {
		return err
	}
	for i := range st.s.Segments {
		st.s.Segments[i].RuleText = canonical
	}
	if _, ok, err := st.m.Expander.First(st.s); err != nil {
		return err
	} else if !ok {
		return &RuleError{Rule: canonical, Reason: "expresses no possible occurrence"}
	}

	// Time fields follow the new rule: records it no longer produces go.
	for _, o := range st.ws.live(st.s.ID) {
		produced, err := st.m.Expander.Produces(st.s, o.OccursAt)
		if err != nil {
			return err
		}
		if !produced {
			st.drop(o)
		}
	}

	adds, err := st.m.Reconciler.Reconcile(st.s, st.ws.list(), st.now)
	if err != nil {
		return err
	}
	if len(adds) > 0 && len(st.ws.live(st.s.ID)) == 0 && st.lost != nil {
		for i := range adds {
			c := st.lost.Clone()
			adds[i].Kind, adds[i].Fields = c.Kind, c.Fields
		}
	}
	st.ws.putAll(adds)
	return st.settle()
}

// fromTime handles scopes future and fromTime.
func (st *mutation) fromTime() error {
	t := st.req.Pivot
	if st.req.Op == model.OpDelete {
		for _, o := range st.ws.live(st.s.ID) {
			if !o.OccursAt.Before(t) {
				st.drop(o)
			}
		}
		st.truncate(t)
		return st.finishOld()
	}

	if st.req.clearsRule() {
		if rec, ok := st.ws.liveAt(st.s.ID, t); ok {
			st.detach(rec)
		}
		for _, o := range st.ws.live(st.s.ID) {
			if !o.OccursAt.Before(t) {
				st.drop(o)
			}
		}
		st.truncate(t)
		return st.finishOld()
	}

	child, err := st.split(t)
	if err != nil {
		return err
	}
	st.child = child

	// An exhausted old series still hands its future to the child.
	oldErr := st.finishOld()
	if oldErr != nil && !errors.Is(oldErr, ErrSeriesExhausted) {
		return oldErr
	}

	adds, err := st.m.Reconciler.Reconcile(child, st.ws.list(), st.now)
	if err != nil {
		return err
	}
	st.ws.putAll(adds)
	updates, err := st.m.Promoter.Ensure(child, st.ws.list(), nil)
	if err != nil {
		return err
	}
	st.ws.putAll(updates)
	return oldErr
}

// split truncates the old series at t and builds the child series that
// carries the new (or inherited) rule from t onward.
func (st *mutation) split(t time.Time) (*model.Series, error) {
	idx := st.s.SegmentAt(t)
	if idx < 0 && !st.req.changesRule() {
		return nil, fmt.Errorf("%w: no segment is in effect at %s", ErrInvalidMutation, t.Format(time.RFC3339))
	}
	nextSeq := st.s.LastSequence() + 1

	var (
		ruleText   string
		start      time.Time
		exceptions []time.Time
	)
	if st.req.changesRule() {
		canonical, err := st.canonical(*st.req.NewRule)
		if err != nil {
			return nil, err
		}
		from := t
		if st.req.NewStart != nil {
			from = st.req.NewStart.Truncate(time.Second)
		}
		r, _ := rule.Parse(canonical, st.m.Expander.Location)
		first, ok, err := r.FirstInstant(from.In(st.m.Expander.Location))
		if err != nil {
			return nil, &RuleError{Rule: canonical, Reason: "cannot anchor rule", Err: err}
		}
		if !ok {
			return nil, &RuleError{Rule: canonical, Reason: "expresses no possible occurrence"}
		}
		ruleText, start = canonical, first
	} else {
		inherited, first, err := st.inheritRule(st.s.Segments[idx], t)
		if err != nil {
			return nil, err
		}
		ruleText, start = inherited, first
		for _, ex := range st.s.Segments[idx].Exceptions {
			if !ex.Before(t) {
				exceptions = append(exceptions, ex)
			}
		}
	}

	// Records at or after t either move to the child (same rule) or are
	// replaced by the child's own instants (new rule).
	tpl := st.template(st.s.ID)
	var moving []model.Occurrence
	for _, o := range st.ws.live(st.s.ID) {
		if !o.OccursAt.Before(t) {
			moving = append(moving, o)
		}
	}
	var seed *model.Occurrence
	if tpl != nil {
		c := tpl.Clone()
		st.req.Patch.Apply(&c)
		seed = &c
	}

	st.truncate(t)

	child := &model.Series{
		ID:       st.m.NewID(),
		OwnerID:  st.s.OwnerID,
		ParentID: st.s.ID,
		Segments: []model.Segment{{
			Sequence:       nextSeq,
			RuleText:       ruleText,
			EffectiveStart: start,
			Exceptions:     exceptions,
		}},
	}
	child.Segments[0].SeriesID = child.ID

	if st.req.changesRule() {
		for _, o := range moving {
			st.drop(o)
		}
		primary := model.Occurrence{
			ID:        st.m.NewID(),
			SeriesID:  child.ID,
			Kind:      model.KindEvent,
			OccursAt:  start,
			IsPrimary: true,
		}
		if seed != nil {
			primary.Kind, primary.Fields = seed.Kind, seed.Fields
		}
		st.ws.put(primary)
		return child, nil
	}

	for _, o := range moving {
		if o.IsPrimary && st.lost == nil {
			c := o.Clone()
			st.lost = &c
		}
		o.SeriesID = child.ID
		o.IsPrimary = false
		st.req.Patch.Apply(&o)
		st.ws.put(o)
	}
	return child, nil
}

// inheritRule returns the rule text a child continues with when only
// payload changes from t onward, plus the child's anchor. The anchor is the
// old rule's first raw instant at or after t, which keeps the phase, and a
// COUNT is reduced by the instances already generated before t.
func (st *mutation) inheritRule(seg model.Segment, t time.Time) (string, time.Time, error) {
	loc := st.m.Expander.Location
	r, err := rule.Parse(seg.RuleText, loc)
	if err != nil {
		return "", time.Time{}, &RuleError{Rule: seg.RuleText, Reason: "stored segment rule", Err: err}
	}
	rr, err := r.Build(seg.EffectiveStart.In(loc))
	if err != nil {
		return "", time.Time{}, &RuleError{Rule: seg.RuleText, Reason: "cannot anchor rule", Err: err}
	}

	consumed := 0
	var first time.Time
	next := rr.Iterator()
	for {
		v, ok := next()
		if !ok {
			break
		}
		if seg.EffectiveEnd != nil && !v.Before(*seg.EffectiveEnd) {
			break
		}
		if v.Before(t) {
			consumed++
			continue
		}
		first = v.Truncate(time.Second).In(loc)
		break
	}
	if first.IsZero() {
		return "", time.Time{}, fmt.Errorf("%w: nothing left at or after %s", ErrOccurrenceNotFound, t.Format(time.RFC3339))
	}
	if r.Count > 0 {
		r = r.WithCount(r.Count - consumed)
	}
	return r.String(), first, nil
}

// truncate cuts the old series at t: segments starting at or after t are
// removed; every other segment still open at t ends at t-1s. An existing
// earlier bound is never loosened.
func (st *mutation) truncate(t time.Time) {
	end := t.Add(-time.Second)
	kept := st.s.Segments[:0]
	for _, seg := range st.s.Segments {
		if !seg.EffectiveStart.Before(t) {
			continue
		}
		if seg.EffectiveEnd == nil || seg.EffectiveEnd.After(end) {
			e := end
			seg.EffectiveEnd = &e
		}
		kept = append(kept, seg)
	}
	st.s.Segments = kept
}

// finishOld deletes the old series when the cut left it without any
// instant. Otherwise the series keeps its history and the primary is
// restored; ErrSeriesExhausted is returned when no record is left and
// nothing follows the lost primary.
func (st *mutation) finishOld() error {
	_, ok, err := st.m.Expander.First(st.s)
	if err != nil {
		return err
	}
	if ok && len(st.s.Segments) > 0 {
		return st.settle()
	}
	for _, o := range st.ws.live(st.s.ID) {
		st.ws.del(o.ID)
	}
	st.deleted = true
	return nil
}

func (st *mutation) canonical(text string) (string, error) {
	canonical, err := rule.Canonical(text, st.m.Expander.Location)
	if err != nil {
		return "", &RuleError{Rule: text, Reason: "parse", Err: err}
	}
	return canonical, nil
}
