package storage

import (
	"context"
	"sync"

	"cinebot/internal/directory"
)

const memoryAuditCap = 256

// Memory keeps everything in process. Used for development and tests.
type Memory struct {
	*directory.Memory

	mu    sync.Mutex
	audit []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{Memory: directory.NewMemory()}
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	e.Body = truncateBody(e.Body)
	m.mu.Lock()
	m.audit = append(m.audit, e)
	if len(m.audit) > memoryAuditCap {
		m.audit = m.audit[len(m.audit)-memoryAuditCap:]
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(limit, len(m.audit))
	out := make([]AuditEntry, 0, n)
	for i := len(m.audit) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
