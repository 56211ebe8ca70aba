package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"recurd/internal/model"
	"recurd/internal/recur"
	"recurd/internal/service"
	"recurd/internal/store"
)

const defaultInstanceLimit = 100

type occurrenceDTO struct {
	ID         string            `json:"id"`
	SeriesID   string            `json:"seriesId,omitempty"`
	Kind       model.Kind        `json:"kind"`
	OccursAt   string            `json:"occursAt"`
	IsPrimary  bool              `json:"isPrimary"`
	IsDetached bool              `json:"isDetached"`
	Cancelled  bool              `json:"cancelled,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

type seriesResponse struct {
	Series      store.Record    `json:"series"`
	Version     int             `json:"version"`
	Occurrences []occurrenceDTO `json:"occurrences"`
}

func (s *Server) occurrenceDTOs(occs []model.Occurrence) []occurrenceDTO {
	out := make([]occurrenceDTO, 0, len(occs))
	for _, o := range occs {
		out = append(out, occurrenceDTO{
			ID:         o.ID,
			SeriesID:   o.SeriesID,
			Kind:       o.Kind,
			OccursAt:   s.formatTime(o.OccursAt),
			IsPrimary:  o.IsPrimary,
			IsDetached: o.IsDetached,
			Cancelled:  o.Cancelled,
			Fields:     o.Fields,
		})
	}
	return out
}

func (s *Server) formatTime(t time.Time) string {
	return t.In(s.svc.Location()).Format(time.RFC3339)
}

func (s *Server) parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339", v)
	}
	return t.In(s.svc.Location()), nil
}

type createRequest struct {
	Rule   string            `json:"rule"`
	Start  string            `json:"start"`
	Kind   model.Kind        `json:"kind"`
	Fields map[string]string `json:"fields"`
}

// handleCreate: POST /api/series
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	start, err := s.parseTime(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Kind {
	case "", model.KindEvent, model.KindReminder:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", req.Kind))
		return
	}

	series, occs, err := s.svc.Create(r.Context(), actor(r), service.CreateRequest{
		RuleText: req.Rule,
		Start:    start,
		Kind:     req.Kind,
		Fields:   req.Fields,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, seriesResponse{
		Series:      s.codec.ToRecord(series),
		Version:     series.Version,
		Occurrences: s.occurrenceDTOs(occs),
	})
}

// handleGet: GET /api/series/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	series, occs, err := s.svc.Get(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seriesResponse{
		Series:      s.codec.ToRecord(series),
		Version:     series.Version,
		Occurrences: s.occurrenceDTOs(occs),
	})
}

// handleOccurrences: GET /api/series/{id}/occurrences
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	_, occs, err := s.svc.Get(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"occurrences": s.occurrenceDTOs(occs)})
}

// handleInstances: GET /api/series/{id}/instances?from=&to=&max=
//
// from defaults to now; an absent to leaves the window open, bounded by max
// (default 100).
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from := s.now()
	if v := q.Get("from"); v != "" {
		t, err := s.parseTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		from = t
	}
	var to time.Time
	if v := q.Get("to"); v != "" {
		t, err := s.parseTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		to = t
	}
	limit := parseIntDefault(q.Get("max"), defaultInstanceLimit)
	if limit <= 0 {
		limit = defaultInstanceLimit
	}

	got, err := s.svc.Expand(r.Context(), actor(r), mux.Vars(r)["id"], from, to, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	instances := make([]string, 0, len(got))
	for _, t := range got {
		instances = append(instances, s.formatTime(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

type mutateRequest struct {
	Scope string `json:"scope"`
	Op    string `json:"op"`
	Pivot string `json:"pivot"`

	// NewRule absent keeps the rule; "" clears it.
	NewRule  *string `json:"newRule"`
	NewStart string  `json:"newStart"`

	Set      map[string]string `json:"set"`
	Unset    []string          `json:"unset"`
	OccursAt string            `json:"occursAt"`
}

type mutateResponse struct {
	Series        *store.Record   `json:"series,omitempty"`
	SeriesDeleted bool            `json:"seriesDeleted"`
	NewSeries     *store.Record   `json:"newSeries,omitempty"`
	Deleted       []string        `json:"deleted"`
	Upserted      []occurrenceDTO `json:"upserted"`
	Exhausted     bool            `json:"exhausted"`
}

func (s *Server) decodeMutate(r *http.Request) (recur.MutateRequest, error) {
	var body mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return recur.MutateRequest{}, errors.New("invalid JSON")
	}
	scope, err := model.ParseScope(body.Scope)
	if err != nil {
		return recur.MutateRequest{}, err
	}
	op, err := model.ParseOp(body.Op)
	if err != nil {
		return recur.MutateRequest{}, err
	}
	req := recur.MutateRequest{
		Scope:   scope,
		Op:      op,
		NewRule: body.NewRule,
		Patch:   model.FieldPatch{Set: body.Set, Unset: body.Unset},
	}
	if body.Pivot != "" {
		if req.Pivot, err = s.parseTime(body.Pivot); err != nil {
			return recur.MutateRequest{}, err
		}
	}
	if body.NewStart != "" {
		t, err := s.parseTime(body.NewStart)
		if err != nil {
			return recur.MutateRequest{}, err
		}
		req.NewStart = &t
	}
	if body.OccursAt != "" {
		t, err := s.parseTime(body.OccursAt)
		if err != nil {
			return recur.MutateRequest{}, err
		}
		req.Patch.OccursAt = &t
	}
	return req, nil
}

// handleMutate: POST /api/series/{id}/mutate
//
// An exhausted series is not an HTTP error: the change was applied and the
// response carries "exhausted": true.
func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeMutate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Mutate(r.Context(), actor(r), mux.Vars(r)["id"], req)
	if err != nil && !recur.IsExhausted(err) {
		writeEngineError(w, err)
		return
	}

	resp := mutateResponse{
		SeriesDeleted: res.SeriesDeleted,
		Deleted:       res.Delete,
		Upserted:      s.occurrenceDTOs(res.Upsert),
		Exhausted:     res.Exhausted,
	}
	if resp.Deleted == nil {
		resp.Deleted = []string{}
	}
	if res.Series != nil && !res.SeriesDeleted {
		rec := s.codec.ToRecord(res.Series)
		resp.Series = &rec
	}
	if res.NewSeries != nil {
		rec := s.codec.ToRecord(res.NewSeries)
		resp.NewSeries = &rec
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReconcile: POST /api/series/{id}/reconcile
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	adds, err := s.svc.Reconcile(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": s.occurrenceDTOs(adds)})
}

// handleReconcileAll: POST /api/reconcile
func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.ReconcileAll(r.Context())
	resp := map[string]any{
		"series": stats.Series,
		"added":  stats.Added,
		"failed": stats.Failed,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExport: GET /api/series/{id}.ics
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, err := s.svc.Export(r.Context(), actor(r), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.ics"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
