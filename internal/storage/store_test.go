package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinebot/internal/directory"
	logx "cinebot/pkg/logx"
)

// runStoreContract exercises the behaviour every driver must share.
func runStoreContract(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []int64{300, -100, 200, 100} {
		require.NoError(t, st.Upsert(ctx, directory.Recipient{ID: id, Name: "u", LastSeen: base.Add(time.Duration(i) * time.Hour)}))
	}
	// Upsert refreshes rather than duplicates.
	require.NoError(t, st.Upsert(ctx, directory.Recipient{ID: 200, Name: "@trinity", LastSeen: base.Add(48 * time.Hour)}))

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	var ids []int64
	for r, err := range st.Scan(ctx) {
		require.NoError(t, err)
		ids = append(ids, r.ID)
		if r.ID == 200 {
			assert.Equal(t, "@trinity", r.Name)
			assert.True(t, r.LastSeen.Equal(base.Add(48*time.Hour)), "last_seen = %v", r.LastSeen)
		}
	}
	assert.Equal(t, []int64{-100, 100, 200, 300}, ids)

	require.NoError(t, st.Delete(ctx, 300))
	require.NoError(t, st.Delete(ctx, 300), "deleting a missing id is not an error")

	// -100 was seen at base+1h, 100 at base+3h.
	removed, err := st.DeleteInactive(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err = st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: base, ActorID: 1, Action: "broadcast", Target: "job-1", Sent: 3, Total: 3}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: base.Add(time.Minute), ActorID: 1, Action: "broadcast", Target: "job-2",
		Body: strings.Repeat("x", 500), Sent: 1, PermanentlyFailed: 1, TransientlyFailed: 1, Total: 3}))

	recent, err := st.RecentAudit(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "job-2", recent[0].Target)
	assert.Equal(t, 1, recent[0].PermanentlyFailed)
	assert.Len(t, []rune(recent[0].Body), maxAuditBody)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreContract(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "cinebot.db")
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	runStoreContract(t, st)
}

func TestSQLiteScanSpansPages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := openSQLite(ctx, Config{Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	total := directory.DefaultPageSize*2 + 7
	for i := 1; i <= total; i++ {
		require.NoError(t, st.Upsert(ctx, directory.Recipient{ID: int64(i), LastSeen: time.Now()}))
	}
	seen := 0
	var last int64
	for r, err := range st.Scan(ctx) {
		require.NoError(t, err)
		require.Greater(t, r.ID, last)
		last = r.ID
		seen++
	}
	assert.Equal(t, total, seen)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("CINEBOT_TEST_REDIS_URL")
	if url == "" || testing.Short() {
		t.Skip("set CINEBOT_TEST_REDIS_URL to run redis integration tests")
	}
	ctx := context.Background()
	st, err := openRedis(ctx, Config{URL: url}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.rdb.Del(ctx, keyNames, keyIDs, keySeen, keyAudit).Err())
	runStoreContract(t, st)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
}
