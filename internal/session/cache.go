// Package session keeps each user's latest search results so they can be
// paged through with inline buttons.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"cinebot/internal/metrics"
	logx "cinebot/pkg/logx"
)

var (
	ErrNotFound   = errors.New("session: not found")
	ErrOutOfRange = errors.New("session: offset out of range")
	ErrInvalid    = errors.New("session: invalid results")
)

// Kind tells movies and shows apart; the value is the catalog's media type.
type Kind string

const (
	KindMovie Kind = "movie"
	KindShow  Kind = "tv"
)

type Item struct {
	ID   int64
	Kind Kind
}

type Page struct {
	Items   []Item
	Offset  int
	Total   int
	HasPrev bool
	HasNext bool
}

type Config struct {
	TTL         time.Duration
	PageSize    int
	MaxSessions int
}

type entry struct {
	mu      sync.Mutex
	items   []Item
	offset  int
	created time.Time
}

// Cache maps user id to that user's latest search. The map lock is held in
// read mode by Page and Advance and in write mode by Create and Sweep; each
// entry has its own lock so concurrent users never contend.
type Cache struct {
	mu      sync.RWMutex
	entries map[int64]*entry

	cfg   Config
	clock clockwork.Clock
	log   logx.Logger
}

func New(cfg Config, clock clockwork.Clock, log logx.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10000
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		entries: make(map[int64]*entry),
		cfg:     cfg,
		clock:   clock,
		log:     log.With(logx.String("comp", "session")),
	}
}

func (c *Cache) PageSize() int { return c.cfg.PageSize }

// Create stores a fresh session for userID, replacing any previous one.
// ids and kinds must be non-empty and of equal length.
func (c *Cache) Create(userID int64, ids []int64, kinds []Kind) error {
	if len(ids) == 0 || len(ids) != len(kinds) {
		c.log.Warn("rejecting search session",
			logx.Int64("user_id", userID), logx.Int("ids", len(ids)), logx.Int("kinds", len(kinds)))
		return ErrInvalid
	}
	items := make([]Item, len(ids))
	for i := range ids {
		items[i] = Item{ID: ids[i], Kind: kinds[i]}
	}
	e := &entry{items: items, created: c.clock.Now()}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[userID]; !ok && len(c.entries) >= c.cfg.MaxSessions {
		c.evictOldestLocked()
	}
	c.entries[userID] = e
	metrics.SessionsActive.Set(float64(len(c.entries)))
	return nil
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestID int64
		oldest   time.Time
		found    bool
	)
	for id, e := range c.entries {
		if !found || e.created.Before(oldest) {
			oldestID, oldest, found = id, e.created, true
		}
	}
	if found {
		delete(c.entries, oldestID)
		metrics.SessionsEvictedTotal.WithLabelValues("capacity").Inc()
		c.log.Debug("session evicted for capacity", logx.Int64("user_id", oldestID))
	}
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.created) > c.cfg.TTL
}

func (c *Cache) lookup(userID int64) (*entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok || c.expired(e, c.clock.Now()) {
		return nil, false
	}
	return e, true
}

// Page returns up to PageSize items starting at offset.
func (c *Cache) Page(userID int64, offset int) (Page, error) {
	e, ok := c.lookup(userID)
	if !ok {
		return Page{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.pageLocked(e, offset)
}

// Current returns the page at the session's committed offset.
func (c *Cache) Current(userID int64) (Page, error) {
	e, ok := c.lookup(userID)
	if !ok {
		return Page{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.pageLocked(e, e.offset)
}

func (c *Cache) pageLocked(e *entry, offset int) (Page, error) {
	total := len(e.items)
	if offset < 0 || offset >= total {
		return Page{}, ErrNotFound
	}
	end := min(offset+c.cfg.PageSize, total)
	items := make([]Item, end-offset)
	copy(items, e.items[offset:end])
	return Page{
		Items:   items,
		Offset:  offset,
		Total:   total,
		HasPrev: offset > 0,
		HasNext: end < total,
	}, nil
}

// Advance moves the session offset by delta and returns the new offset. The
// move is committed only when the result stays within the results.
func (c *Cache) Advance(userID int64, delta int) (int, error) {
	e, ok := c.lookup(userID)
	if !ok {
		return 0, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.offset + delta
	if next < 0 || next >= len(e.items) {
		return e.offset, ErrOutOfRange
	}
	e.offset = next
	return next, nil
}

// Sweep drops sessions older than the TTL and returns how many it removed.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, id)
			n++
		}
	}
	if n > 0 {
		metrics.SessionsEvictedTotal.WithLabelValues("ttl").Add(float64(n))
		c.log.Debug("expired sessions swept", logx.Int("removed", n), logx.Int("remaining", len(c.entries)))
	}
	metrics.SessionsActive.Set(float64(len(c.entries)))
	return n
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
