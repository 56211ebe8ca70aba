package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"recurd/internal/model"
	"recurd/internal/recur"
)

// MemoryStore keeps encoded series in a map. Saved series go through the
// codec so a load never aliases the caller's value.
type MemoryStore struct {
	mu    sync.RWMutex
	codec Codec
	data  map[string][]byte
	vers  map[string]int
}

// NewMemoryStore returns an empty store reporting instants in loc.
func NewMemoryStore(loc *time.Location) *MemoryStore {
	return &MemoryStore{
		codec: NewCodec(loc),
		data:  make(map[string][]byte),
		vers:  make(map[string]int),
	}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*model.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("series %s: %w", id, recur.ErrSeriesNotFound)
	}
	s, err := m.codec.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	s.Version = m.vers[id]
	return s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *model.Series) error {
	raw, err := m.codec.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode series %s: %w", s.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.vers[s.ID]; ok && cur != s.Version {
		return fmt.Errorf("series %s at version %d, have %d: %w", s.ID, cur, s.Version, recur.ErrConcurrentModification)
	}
	m.data[s.ID] = raw
	m.vers[s.ID] = s.Version + 1
	s.Version++
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	delete(m.vers, id)
	return nil
}

// IDs lists stored series ids in lexical order.
func (m *MemoryStore) IDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryOccurrences is an in-process OccurrenceStore.
type MemoryOccurrences struct {
	mu   sync.RWMutex
	recs map[string]model.Occurrence
}

func NewMemoryOccurrences() *MemoryOccurrences {
	return &MemoryOccurrences{recs: make(map[string]model.Occurrence)}
}

func (m *MemoryOccurrences) List(_ context.Context, seriesID string) ([]model.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Occurrence
	for _, o := range m.recs {
		if o.SeriesID == seriesID {
			out = append(out, o.Clone())
		}
	}
	model.SortByTime(out)
	return out, nil
}

func (m *MemoryOccurrences) ListStandalone(ctx context.Context) ([]model.Occurrence, error) {
	return m.List(ctx, "")
}

func (m *MemoryOccurrences) Get(_ context.Context, id string) (model.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.recs[id]
	if !ok {
		return model.Occurrence{}, fmt.Errorf("occurrence %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

func (m *MemoryOccurrences) Apply(_ context.Context, deletes []string, upserts []model.Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range deletes {
		delete(m.recs, id)
	}
	for _, o := range upserts {
		m.recs[o.ID] = o.Clone()
	}
	return nil
}
