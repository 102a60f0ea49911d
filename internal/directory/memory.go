package directory

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Directory. Contents are lost on restart.
type Memory struct {
	mu   sync.RWMutex
	byID map[int64]Recipient
}

func NewMemory() *Memory {
	return &Memory{byID: map[int64]Recipient{}}
}

func (m *Memory) Upsert(_ context.Context, r Recipient) error {
	m.mu.Lock()
	m.byID[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID), nil
}

func (m *Memory) Scan(ctx context.Context) iter.Seq2[Recipient, error] {
	return Keyset(ctx, DefaultPageSize, m.page)
}

func (m *Memory) page(_ context.Context, after int64, limit int) ([]Recipient, error) {
	m.mu.RLock()
	out := make([]Recipient, 0, min(limit, len(m.byID)))
	for id, r := range m.byID {
		if id > after {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Recipient) int { return cmpID(a.ID, b.ID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cmpID(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (m *Memory) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	delete(m.byID, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteInactive(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.byID {
		if r.LastSeen.Before(cutoff) {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}
