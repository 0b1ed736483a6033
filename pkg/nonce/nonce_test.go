package nonce

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_IssuesUniquePrefixedValues(t *testing.T) {
	g := NewGenerator(NewMemoryLedger(), 0)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		v, err := g.Issue(ctx)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(v, Prefix))
		require.False(t, seen[v], "duplicate nonce %s", v)
		seen[v] = true
	}
}

func TestGenerator_ConcurrentIssue(t *testing.T) {
	ledger := NewMemoryLedger()
	g := NewGenerator(ledger, time.Minute)

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				v, err := g.Issue(context.Background())
				assert.NoError(t, err)
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 400)
	require.Equal(t, 400, ledger.Len())
}

func TestGenerator_RetriesCollisionsThenGivesUp(t *testing.T) {
	ledger := NewMemoryLedger()
	g := NewGenerator(ledger, time.Minute)
	g.newID = func() string { return "fixed" }

	v, err := g.Issue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "nonce-fixed", v)

	_, err = g.Issue(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
}

func TestMemoryLedger_TTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger := NewMemoryLedger().WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := ledger.Claim(ctx, "n1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = ledger.Claim(ctx, "n1", time.Minute)
	require.False(t, ok, "replay inside ttl must be rejected")

	now = now.Add(time.Minute)
	ok, _ = ledger.Claim(ctx, "n1", time.Minute)
	require.True(t, ok, "entry should be evicted at expiry")
}

// TestRedisLedger_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisLedger_Integration(t *testing.T) {
	ledger, err := NewRedisLedger("redis://localhost:6379/0")
	require.NoError(t, err)
	defer func() { _ = ledger.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ledger.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	v := "itest-" + time.Now().Format(time.RFC3339Nano)
	ok, err := ledger.Claim(ctx, v, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.Claim(ctx, v, 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewRedisLedger_BadURL(t *testing.T) {
	_, err := NewRedisLedger("not-a-url://")
	require.Error(t, err)
}
