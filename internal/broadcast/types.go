package broadcast

import (
	"context"
	"errors"
	"time"

	"cinebot/internal/storage"
	"cinebot/internal/transport"
)

var (
	// ErrBusy is returned when a broadcast is already running.
	ErrBusy = errors.New("broadcast: another broadcast is running")
	// ErrDirectoryUnavailable means the recipient scan failed before anything was sent.
	ErrDirectoryUnavailable = errors.New("broadcast: recipient directory unavailable")
	ErrEmptyPayload         = errors.New("broadcast: empty payload")
)

// Sender delivers one payload to one chat.
type Sender interface {
	Send(ctx context.Context, to transport.ChatTarget, p transport.Payload) (transport.MessageRef, error)
}

// Deleter evicts recipients that can never be reached again.
type Deleter interface {
	Delete(ctx context.Context, id int64) error
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Reporter receives progress. Progress is called every BatchSize processed
// recipients and Done once when the run ends.
type Reporter interface {
	Progress(ctx context.Context, job Job, r Result)
	Done(ctx context.Context, job Job, r Result, err error)
}

type Job struct {
	ID        string
	ActorID   int64
	ActorName string
	Payload   transport.Payload
	// Expected is the recipient count captured when the job was created.
	Expected int
	Created  time.Time
}

// Result tallies one run. Sent + PermanentlyFailed + TransientlyFailed always
// equals Total.
type Result struct {
	Sent              int
	PermanentlyFailed int
	TransientlyFailed int
	Total             int

	Expected  int
	Cancelled bool
	Took      time.Duration
	Finished  time.Time
}

type Config struct {
	// Delay is the minimum gap between two sends.
	Delay     time.Duration
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}
