package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/env"
)

func parked(id string, due time.Time) DeferredEvent {
	return DeferredEvent{
		Envelope: Envelope{EventType: "subscription_updated", ProviderEventID: id, AccountRef: "acct-1", Raw: `{"id":"` + id + `"}`},
		Attempts: 1,
		ParkedAt: testNow,
		DueAt:    due,
	}
}

func TestMemoryDeferredQueueOrdersByDueTime(t *testing.T) {
	q := NewMemoryDeferredQueue()
	ctx := context.Background()

	require.NoError(t, q.Park(ctx, parked("late", testNow.Add(time.Hour))))
	require.NoError(t, q.Park(ctx, parked("early", testNow.Add(time.Minute))))
	require.NoError(t, q.Park(ctx, parked("now", testNow)))

	due, err := q.Due(ctx, testNow.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "now", due[0].Envelope.ProviderEventID)
	assert.Equal(t, "early", due[1].Envelope.ProviderEventID)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryDeferredQueueRespectsLimit(t *testing.T) {
	q := NewMemoryDeferredQueue()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Park(ctx, parked(fmt.Sprintf("e%d", i), testNow)))
	}

	due, err := q.Due(ctx, testNow, 3)
	require.NoError(t, err)
	assert.Len(t, due, 3)
}

func TestRedriverStartStop(t *testing.T) {
	f := newFixture(t)
	r := NewRedriver(f.queue, f.processor, 10*time.Millisecond)

	r.Start()
	r.Start()
	assert.True(t, r.running)
	r.Stop()
	r.Stop()
	assert.False(t, r.running)
}

func TestSweepRequeuesOrphanedDeferredEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	periodEnd := testNow.AddDate(0, 2, 0)

	early := f.process(t, Envelope{EventType: "subscription_updated", ProviderEventID: "evt-2", AccountRef: "acct-1", SubscriptionRef: "sub_1", PeriodEnd: &periodEnd})
	require.Equal(t, OutcomeDeferred, early.Status)

	// The queue entry is lost, as with a memory queue across a restart.
	lost, err := f.queue.Due(ctx, testNow.Add(24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, lost, 1)

	firstEnd := testNow.AddDate(0, 1, 0)
	created := f.process(t, Envelope{EventType: "subscription_created", ProviderEventID: "evt-1", AccountRef: "acct-1", SubscriptionRef: "sub_1", PeriodEnd: &firstEnd})
	require.Equal(t, OutcomeApplied, created.Status)

	// A deferred row written before envelopes were stored cannot be rebuilt.
	processedAt := testNow
	require.NoError(t, f.db.Create(&models.BillingEvent{
		Provider: models.BillingProviderGeneric, ProviderEventID: "evt-9", EventType: "order_refunded",
		Status: models.BillingEventDeferred, Attempts: 1, ProcessedAt: &processedAt,
	}).Error)

	r := NewRedriver(f.queue, f.processor, time.Minute)

	// Still within its backoff window.
	f.clock = testNow.Add(10 * time.Minute)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock = testNow.Add(3 * time.Hour)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	taken, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, taken)

	rec, err := f.store.RecordByID(ctx, created.PlanRecordID)
	require.NoError(t, err)
	assert.True(t, periodEnd.Equal(*rec.ExpiresAt))

	var ev models.BillingEvent
	require.NoError(t, f.db.Where("provider_event_id = ?", "evt-2").First(&ev).Error)
	assert.Equal(t, models.BillingEventApplied, ev.Status)
	assert.Equal(t, 2, ev.Attempts)

	var orphan models.BillingEvent
	require.NoError(t, f.db.Where("provider_event_id = ?", "evt-9").First(&orphan).Error)
	assert.Equal(t, models.BillingEventRejected, orphan.Status)
	assert.Equal(t, "deferred event cannot be recovered", orphan.ProcessingError)

	// Nothing left to recover.
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       14,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, err := client.Ping(ctx).Result()
	cancel()
	if err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", err)
	}

	t.Cleanup(func() {
		_ = client.Del(context.Background(), DeferredKey).Err()
		_ = client.Close()
	})
	require.NoError(t, client.Del(context.Background(), DeferredKey).Err())
	return client
}

func TestRedisDeferredQueue(t *testing.T) {
	client := newTestRedisClient(t)
	q := NewRedisDeferredQueue(client)
	ctx := context.Background()

	require.NoError(t, q.Park(ctx, parked("a", testNow)))
	require.NoError(t, q.Park(ctx, parked("b", testNow.Add(time.Hour))))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	due, err := q.Due(ctx, testNow.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].Envelope.ProviderEventID)
	assert.Equal(t, `{"id":"a"}`, due[0].Envelope.Raw)
	assert.Equal(t, 1, due[0].Attempts)

	again, err := q.Due(ctx, testNow.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}
