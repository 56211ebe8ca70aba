package recur

import (
	"time"

	"recurd/internal/model"
)

// workset tracks the occurrence records touched by one mutation so the
// result can be reported as deletes and upserts.
type workset struct {
	recs    map[string]model.Occurrence
	order   []string
	orig    map[string]bool
	dirty   map[string]bool
	deleted map[string]bool
}

func newWorkset(occs []model.Occurrence) *workset {
	ws := &workset{
		recs:    make(map[string]model.Occurrence, len(occs)),
		orig:    make(map[string]bool, len(occs)),
		dirty:   make(map[string]bool),
		deleted: make(map[string]bool),
	}
	for _, o := range occs {
		if _, dup := ws.recs[o.ID]; dup {
			continue
		}
		ws.recs[o.ID] = o.Clone()
		ws.orig[o.ID] = true
		ws.order = append(ws.order, o.ID)
	}
	return ws
}

func (ws *workset) put(o model.Occurrence) {
	if _, ok := ws.recs[o.ID]; !ok {
		ws.order = append(ws.order, o.ID)
	}
	ws.recs[o.ID] = o
	ws.dirty[o.ID] = true
	delete(ws.deleted, o.ID)
}

func (ws *workset) putAll(occs []model.Occurrence) {
	for _, o := range occs {
		ws.put(o)
	}
}

func (ws *workset) del(id string) {
	if _, ok := ws.recs[id]; !ok {
		return
	}
	delete(ws.recs, id)
	delete(ws.dirty, id)
	if ws.orig[id] {
		ws.deleted[id] = true
	}
}

// list returns the current, non-deleted records in insertion order.
func (ws *workset) list() []model.Occurrence {
	out := make([]model.Occurrence, 0, len(ws.recs))
	for _, id := range ws.order {
		if o, ok := ws.recs[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// live returns the live records of seriesID in time order.
func (ws *workset) live(seriesID string) []model.Occurrence {
	var out []model.Occurrence
	for _, o := range ws.list() {
		if o.Live(seriesID) {
			out = append(out, o)
		}
	}
	model.SortByTime(out)
	return out
}

func (ws *workset) liveAt(seriesID string, t time.Time) (model.Occurrence, bool) {
	for _, o := range ws.live(seriesID) {
		if o.OccursAt.Unix() == t.Unix() {
			return o, true
		}
	}
	return model.Occurrence{}, false
}

func (ws *workset) primary(seriesID string) (model.Occurrence, bool) {
	for _, o := range ws.live(seriesID) {
		if o.IsPrimary {
			return o, true
		}
	}
	return model.Occurrence{}, false
}

func (ws *workset) changes() (deletes []string, upserts []model.Occurrence) {
	for _, id := range ws.order {
		if ws.deleted[id] {
			deletes = append(deletes, id)
			continue
		}
		if ws.dirty[id] {
			if o, ok := ws.recs[id]; ok {
				upserts = append(upserts, o)
			}
		}
	}
	return deletes, upserts
}
