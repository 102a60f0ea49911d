package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cinebot/pkg/logx"
)

func newCache(t *testing.T, cfg Config) (*Cache, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	return New(cfg, clk, logx.Nop()), clk
}

func results(n int) ([]int64, []Kind) {
	ids := make([]int64, n)
	kinds := make([]Kind, n)
	for i := range ids {
		ids[i] = int64(100 + i)
		kinds[i] = KindMovie
		if i%2 == 1 {
			kinds[i] = KindShow
		}
	}
	return ids, kinds
}

func TestPagingNineItems(t *testing.T) {
	t.Parallel()
	c, _ := newCache(t, Config{})
	ids, kinds := results(9)
	require.NoError(t, c.Create(1, ids, kinds))

	p, err := c.Current(1)
	require.NoError(t, err)
	assert.Len(t, p.Items, 5)
	assert.Equal(t, int64(100), p.Items[0].ID)
	assert.False(t, p.HasPrev)
	assert.True(t, p.HasNext)

	off, err := c.Advance(1, c.PageSize())
	require.NoError(t, err)
	assert.Equal(t, 5, off)

	p, err = c.Page(1, off)
	require.NoError(t, err)
	assert.Len(t, p.Items, 4)
	assert.Equal(t, Item{ID: 105, Kind: KindShow}, p.Items[0])
	assert.True(t, p.HasPrev)
	assert.False(t, p.HasNext)
	assert.Equal(t, 9, p.Total)

	// A second "next" on the last page is rejected and nothing moves.
	off, err = c.Advance(1, c.PageSize())
	require.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, 5, off)
	p, err = c.Current(1)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Offset)

	off, err = c.Advance(1, -c.PageSize())
	require.NoError(t, err)
	assert.Equal(t, 0, off)
	_, err = c.Advance(1, -c.PageSize())
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestPageBounds(t *testing.T) {
	t.Parallel()
	c, _ := newCache(t, Config{})
	ids, kinds := results(3)
	require.NoError(t, c.Create(1, ids, kinds))

	tests := []struct {
		name    string
		user    int64
		offset  int
		wantErr error
	}{
		{"first", 1, 0, nil},
		{"last index", 1, 2, nil},
		{"past end", 1, 3, ErrNotFound},
		{"negative", 1, -1, ErrNotFound},
		{"unknown user", 2, 0, ErrNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := c.Page(tt.user, tt.offset)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	t.Parallel()
	c, _ := newCache(t, Config{})
	require.ErrorIs(t, c.Create(1, nil, nil), ErrInvalid)
	require.ErrorIs(t, c.Create(1, []int64{1, 2}, []Kind{KindMovie}), ErrInvalid)
	assert.Equal(t, 0, c.Len())

	_, err := c.Advance(1, 5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateOverwrites(t *testing.T) {
	t.Parallel()
	c, _ := newCache(t, Config{})
	ids, kinds := results(9)
	require.NoError(t, c.Create(1, ids, kinds))
	_, err := c.Advance(1, 5)
	require.NoError(t, err)

	require.NoError(t, c.Create(1, []int64{7}, []Kind{KindShow}))
	p, err := c.Current(1)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Offset)
	assert.Equal(t, []Item{{ID: 7, Kind: KindShow}}, p.Items)
	assert.Equal(t, 1, c.Len())
}

func TestSweepTTLBoundary(t *testing.T) {
	t.Parallel()
	c, clk := newCache(t, Config{TTL: time.Hour})
	ids, kinds := results(2)
	start := clk.Now()
	require.NoError(t, c.Create(1, ids, kinds))

	assert.Equal(t, 0, c.Sweep(start.Add(time.Hour-time.Second)))
	assert.Equal(t, 0, c.Sweep(start.Add(time.Hour)))
	assert.Equal(t, 1, c.Len())

	assert.Equal(t, 1, c.Sweep(start.Add(time.Hour+time.Second)))
	assert.Equal(t, 0, c.Len())
	_, err := c.Current(1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredSessionIsNotServedBeforeSweep(t *testing.T) {
	t.Parallel()
	c, clk := newCache(t, Config{TTL: time.Minute})
	ids, kinds := results(2)
	require.NoError(t, c.Create(1, ids, kinds))

	clk.Advance(time.Minute + time.Second)
	_, err := c.Page(1, 0)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Advance(1, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCapacityEvictsOldest(t *testing.T) {
	t.Parallel()
	c, clk := newCache(t, Config{MaxSessions: 2})
	ids, kinds := results(1)
	require.NoError(t, c.Create(1, ids, kinds))
	clk.Advance(time.Second)
	require.NoError(t, c.Create(2, ids, kinds))
	clk.Advance(time.Second)

	// Overwriting an existing user does not evict anybody.
	require.NoError(t, c.Create(2, ids, kinds))
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.Create(3, ids, kinds))
	assert.Equal(t, 2, c.Len())
	_, err := c.Current(1)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Current(3)
	require.NoError(t, err)
}

func TestConcurrentAdvanceStaysInRange(t *testing.T) {
	t.Parallel()
	c, _ := newCache(t, Config{})
	ids, kinds := results(23)
	require.NoError(t, c.Create(1, ids, kinds))

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			delta := 5
			if i%3 == 0 {
				delta = -5
			}
			if _, err := c.Advance(1, delta); err != nil && !errors.Is(err, ErrOutOfRange) {
				t.Errorf("advance: %v", err)
			}
		}(i)
	}
	wg.Wait()

	p, err := c.Current(1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p.Offset, 0)
	assert.Less(t, p.Offset, 23)
	assert.Zero(t, p.Offset%5)
}
