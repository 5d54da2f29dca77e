package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"cortexgate/internal/knowledge"
)

func pastHour() time.Time   { return time.Now().Add(-time.Hour) }
func futureHour() time.Time { return time.Now().Add(time.Hour) }

func newTestEngine(t *testing.T, limits Limits) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := knowledge.NewMemoryStore()
	return New(client, store, limits, Pricing{}), mr
}

func TestAdmitAllowsUnderCeiling(t *testing.T) {
	e, _ := newTestEngine(t, Limits{PerMinute: 2, PerHour: 100})
	ctx := context.Background()
	d := e.Admit(ctx, "tenant-a")
	require.True(t, d.Allow)
}

func TestAdmitDeniesAtMinuteCeiling(t *testing.T) {
	e, _ := newTestEngine(t, Limits{PerMinute: 1, PerHour: 100})
	ctx := context.Background()

	e.RecordChatCompletion(ctx, "tenant-a", "user-1", "sess-1", "req-1", "gpt-x", 10, 5, 0)

	d := e.Admit(ctx, "tenant-a")
	require.False(t, d.Allow)
	require.NotEmpty(t, d.Reason)
}

func TestAdmitFailsOpenWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	e := New(client, knowledge.NewMemoryStore(), Limits{PerMinute: 1, PerHour: 1}, Pricing{})

	d := e.Admit(context.Background(), "tenant-a")
	require.True(t, d.Allow, "counter store outage must fail open")
}

func TestRecordChatCompletionBumpsCountersAndAppendsUsageLog(t *testing.T) {
	e, _ := newTestEngine(t, Limits{PerMinute: 100, PerHour: 1000})
	ctx := context.Background()

	e.RecordChatCompletion(ctx, "tenant-a", "user-1", "sess-1", "req-1", "gpt-x", 100, 50, 10)

	usage := e.CurrentUsage(ctx, "tenant-a")
	require.Equal(t, int64(1), usage.ReqPerMin)
	require.Equal(t, int64(160), usage.TokPerMin)
	require.Greater(t, usage.CostPerMin, 0.0)
}

func TestStatsDelegatesToKnowledgeStore(t *testing.T) {
	e, _ := newTestEngine(t, Limits{PerMinute: 100, PerHour: 1000})
	ctx := context.Background()
	e.RecordChatCompletion(ctx, "tenant-a", "user-1", "sess-1", "req-1", "gpt-x", 100, 50, 0)

	stats, err := e.Stats(ctx, "tenant-a", pastHour(), futureHour())
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalRequests)
}
