// Package directory defines the recipient directory: every user the bot has
// seen, keyed by chat id.
package directory

import (
	"context"
	"iter"
	"math"
	"strings"
	"time"
)

// Recipient is one reachable user.
type Recipient struct {
	ID       int64
	Name     string
	LastSeen time.Time
}

// Directory is a keyed recipient store. Each operation is atomic on its own;
// Scan holds no lock or connection between pages, so concurrent upserts and
// deletes are allowed while a scan is in progress.
type Directory interface {
	// Upsert inserts r or refreshes its name and last-seen time.
	Upsert(ctx context.Context, r Recipient) error
	Count(ctx context.Context) (int, error)
	// Scan yields recipients in ascending id order. A yielded error ends the scan.
	Scan(ctx context.Context) iter.Seq2[Recipient, error]
	// Delete removes id. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id int64) error
	// DeleteInactive removes recipients last seen before cutoff.
	DeleteInactive(ctx context.Context, cutoff time.Time) (int, error)
}

// PageFunc returns up to limit recipients with id > after, ascending.
type PageFunc func(ctx context.Context, after int64, limit int) ([]Recipient, error)

const DefaultPageSize = 500

// Keyset turns a PageFunc into a lazy scan.
func Keyset(ctx context.Context, size int, page PageFunc) iter.Seq2[Recipient, error] {
	if size <= 0 {
		size = DefaultPageSize
	}
	return func(yield func(Recipient, error) bool) {
		after := int64(math.MinInt64)
		for {
			if err := ctx.Err(); err != nil {
				yield(Recipient{}, err)
				return
			}
			batch, err := page(ctx, after, size)
			if err != nil {
				yield(Recipient{}, err)
				return
			}
			for _, r := range batch {
				if !yield(r, nil) {
					return
				}
			}
			if len(batch) < size {
				return
			}
			after = batch[len(batch)-1].ID
		}
	}
}

// NameOf builds the stored display name from a username or first name.
func NameOf(username, firstName string) string {
	if u := strings.TrimSpace(username); u != "" {
		return "@" + strings.TrimPrefix(u, "@")
	}
	return strings.TrimSpace(firstName)
}
