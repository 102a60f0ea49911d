package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryScanOrderAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []int64{30, -5, 10, 20} {
		require.NoError(t, m.Upsert(ctx, Recipient{ID: id, LastSeen: now}))
	}
	require.NoError(t, m.Upsert(ctx, Recipient{ID: 10, Name: "@neo", LastSeen: now}))

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	var ids []int64
	for r, err := range m.Scan(ctx) {
		require.NoError(t, err)
		ids = append(ids, r.ID)
		if r.ID == 10 {
			assert.Equal(t, "@neo", r.Name)
		}
	}
	assert.Equal(t, []int64{-5, 10, 20, 30}, ids)

	require.NoError(t, m.Delete(ctx, 20))
	require.NoError(t, m.Delete(ctx, 999))
	n, _ = m.Count(ctx)
	assert.Equal(t, 3, n)
}

func TestMemoryDeleteInactive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	cutoff := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.Upsert(ctx, Recipient{ID: 1, LastSeen: cutoff.Add(-time.Hour)}))
	require.NoError(t, m.Upsert(ctx, Recipient{ID: 2, LastSeen: cutoff}))
	require.NoError(t, m.Upsert(ctx, Recipient{ID: 3, LastSeen: cutoff.Add(time.Hour)}))

	n, err := m.DeleteInactive(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	left, _ := m.Count(ctx)
	assert.Equal(t, 2, left)
}

func TestKeysetPagesAndStops(t *testing.T) {
	t.Parallel()
	var calls []int64
	page := func(_ context.Context, after int64, limit int) ([]Recipient, error) {
		calls = append(calls, after)
		var out []Recipient
		for id := int64(1); id <= 5 && len(out) < limit; id++ {
			if id > after {
				out = append(out, Recipient{ID: id})
			}
		}
		return out, nil
	}
	var got []int64
	for r, err := range Keyset(context.Background(), 2, page) {
		require.NoError(t, err)
		got = append(got, r.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)
	assert.Len(t, calls, 3)

	// Early break fetches no further pages.
	calls = nil
	for r := range Keyset(context.Background(), 2, page) {
		if r.ID == 1 {
			break
		}
	}
	assert.Len(t, calls, 1)
}

func TestKeysetYieldsPageError(t *testing.T) {
	t.Parallel()
	boom := errors.New("db down")
	page := func(_ context.Context, after int64, limit int) ([]Recipient, error) {
		if after > 0 {
			return nil, boom
		}
		return []Recipient{{ID: 1}, {ID: 2}}, nil
	}
	var seen int
	var last error
	for _, err := range Keyset(context.Background(), 2, page) {
		if err != nil {
			last = err
			break
		}
		seen++
	}
	assert.Equal(t, 2, seen)
	assert.ErrorIs(t, last, boom)
}

func TestNameOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "@neo", NameOf("neo", "Thomas"))
	assert.Equal(t, "@neo", NameOf("@neo", ""))
	assert.Equal(t, "Thomas", NameOf(" ", " Thomas "))
}
