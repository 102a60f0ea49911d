package storage

import (
	"context"
	"math"
	"time"

	"cinebot/internal/directory"
)

// Config selects and configures a driver.
type Config struct {
	Driver      string // memory | sqlite | redis | dynamodb
	Path        string // sqlite
	URL         string // redis
	Table       string // dynamodb
	Region      string // dynamodb
	BusyTimeout time.Duration
}

// AuditEntry records one operator action (a finished broadcast).
type AuditEntry struct {
	At        time.Time
	ActorID   int64
	ActorName string
	Action    string
	// Target is the job id.
	Target string
	Kind   string
	Body   string

	Sent              int
	PermanentlyFailed int
	TransientlyFailed int
	Total             int

	Error  string
	TookMS int64
}

// Store is everything the bot persists.
type Store interface {
	directory.Directory
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	Close() error
}

// minID is the first "after" value passed by directory.Keyset.
const minID = int64(math.MinInt64)

const maxAuditBody = 200

func truncateBody(s string) string {
	r := []rune(s)
	if len(r) <= maxAuditBody {
		return s
	}
	return string(r[:maxAuditBody])
}
