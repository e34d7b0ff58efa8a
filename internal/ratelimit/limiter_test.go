package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scrapeforge/crawlorch/internal/config"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Table: map[string]map[string]int{
			"crawl": {"free": 2, "standard": 5, "default": 3},
		},
		TestSuiteTokens: []string{"test-suite-"},
		DevTeamID:       "dev-b",
		DevPoints:       1200,
		ManualTeamIDs:   []string{"manual-1"},
		ManualPoints:    2000,
	}
}

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, testConfig(), nil)
}

func TestResolvePointsTableLookup(t *testing.T) {
	l := newTestLimiter(t)
	require.Equal(t, 2, l.resolvePoints("crawl", "tok", "free", "t1"))
	require.Equal(t, 5, l.resolvePoints("crawl", "tok", "standard", "t1"))
	require.Equal(t, 3, l.resolvePoints("crawl", "tok", "unknown-plan", "t1"))
}

func TestResolvePointsPlanKeyStripsHyphen(t *testing.T) {
	l := newTestLimiter(t)
	require.Equal(t, l.resolvePoints("crawl", "tok", "standard", "t1"),
		l.resolvePoints("crawl", "tok", "stan-dard", "t1"))
}

func TestResolvePointsOverrideOrder(t *testing.T) {
	l := newTestLimiter(t)
	require.Equal(t, 1000000, l.resolvePoints("crawl", "test-suite-abc", "free", "t1"))
	require.Equal(t, 1200, l.resolvePoints("crawl", "tok", "free", "dev-b"))
	require.Equal(t, 2000, l.resolvePoints("crawl", "tok", "free", "manual-1"))
}

func TestConsumeEnforcesWindow(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t)

	bucket, err := l.GetBucket(ctx, "crawl", "tok", "free", "t1")
	require.NoError(t, err)

	allowed, _, err := bucket.Consume(ctx, "k1", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Consume(ctx, "k1", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Consume(ctx, "k1", 1)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestUnlimitedAlwaysAllows(t *testing.T) {
	ctx := context.Background()
	u := NewUnlimited()
	bucket, err := u.GetBucket(ctx, "crawl", "tok", "free", "t1")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		allowed, _, err := bucket.Consume(ctx, "k", 1)
		require.NoError(t, err)
		require.True(t, allowed)
	}
}
