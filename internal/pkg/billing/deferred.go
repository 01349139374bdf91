package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
)

// DeferredKey is the sorted set holding parked events, scored by due time.
const DeferredKey = "billing:deferred"

// DeferredEvent is an event parked because the record it refers to does not
// exist yet.
type DeferredEvent struct {
	Envelope Envelope  `json:"envelope"`
	Raw      string    `json:"raw,omitempty"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason,omitempty"`
	ParkedAt time.Time `json:"parked_at"`
	DueAt    time.Time `json:"due_at"`
}

// DeferredQueue stores parked events until they are due.
type DeferredQueue interface {
	Park(ctx context.Context, ev DeferredEvent) error
	// Due removes and returns up to limit events due at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]DeferredEvent, error)
	Len(ctx context.Context) (int64, error)
}

// RedisDeferredQueue keeps parked events in a Redis sorted set.
type RedisDeferredQueue struct {
	client *redis.Client
	key    string
}

func NewRedisDeferredQueue(client *redis.Client) *RedisDeferredQueue {
	return &RedisDeferredQueue{client: client, key: DeferredKey}
}

func (q *RedisDeferredQueue) Park(ctx context.Context, ev DeferredEvent) error {
	ev.Raw, ev.Envelope.Raw = ev.Envelope.Raw, ""
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(ev.DueAt.UnixMilli()),
		Member: string(data),
	}).Err()
}

// Due claims members with ZREM so that two redrivers never take the same event.
func (q *RedisDeferredQueue) Due(ctx context.Context, now time.Time, limit int) ([]DeferredEvent, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]DeferredEvent, 0, len(members))
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return out, err
		}
		if removed == 0 {
			continue
		}
		var ev DeferredEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			log.Errorf("[Deferred] Dropping undecodable entry: %v", err)
			continue
		}
		ev.Envelope.Raw = ev.Raw
		out = append(out, ev)
	}
	return out, nil
}

func (q *RedisDeferredQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

// MemoryDeferredQueue is the in-process queue used when no cache is configured.
type MemoryDeferredQueue struct {
	mu     sync.Mutex
	events []DeferredEvent
}

func NewMemoryDeferredQueue() *MemoryDeferredQueue {
	return &MemoryDeferredQueue{}
}

func (q *MemoryDeferredQueue) Park(_ context.Context, ev DeferredEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
	sort.SliceStable(q.events, func(i, j int) bool { return q.events[i].DueAt.Before(q.events[j].DueAt) })
	return nil
}

func (q *MemoryDeferredQueue) Due(_ context.Context, now time.Time, limit int) ([]DeferredEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(q.events) && n < limit && !q.events[n].DueAt.After(now) {
		n++
	}
	out := append([]DeferredEvent(nil), q.events[:n]...)
	q.events = q.events[n:]
	return out, nil
}

func (q *MemoryDeferredQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.events)), nil
}

// Redriver periodically feeds due deferred events back into the processor.
type Redriver struct {
	queue     DeferredQueue
	processor *Processor
	interval  time.Duration
	batch     int
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

func NewRedriver(queue DeferredQueue, processor *Processor, interval time.Duration) *Redriver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Redriver{
		queue:     queue,
		processor: processor,
		interval:  interval,
		batch:     50,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the redrive loop.
func (r *Redriver) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	log.Infof("[Deferred] Redriver started (interval=%s)", r.interval)

	r.wg.Add(1)
	go r.loop()
}

// Stop stops the loop and waits for the current batch to finish.
func (r *Redriver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
	r.wg.Wait()
	log.Info("[Deferred] Redriver stopped")
}

func (r *Redriver) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	ctx := context.Background()
	if n, err := r.Sweep(ctx); err != nil {
		log.Errorf("[Deferred] Startup sweep failed: %v", err)
	} else if n > 0 {
		log.Infof("[Deferred] Requeued %d orphaned deferred event(s)", n)
	}

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				log.Errorf("[Deferred] Redrive failed: %v", err)
			}
		}
	}
}

// RunOnce redrives every due event and returns how many were taken.
func (r *Redriver) RunOnce(ctx context.Context) (int, error) {
	due, err := r.queue.Due(ctx, r.processor.now(), r.batch)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, ev := range due {
		outcome, err := r.processor.Redrive(ctx, ev)
		if err != nil {
			// Storage trouble; put it back unchanged and try next round.
			ev.DueAt = r.processor.now().Add(r.interval)
			if perr := r.queue.Park(ctx, ev); perr != nil {
				errs = append(errs, perr)
			}
			errs = append(errs, err)
			continue
		}
		log.Debugf("[Deferred] Event %s attempt %d: %s", ev.Envelope.ProviderEventID, ev.Attempts, outcome.Status)
	}
	return len(due), errors.Join(errs...)
}

// Sweep requeues deferred events that no queue entry will ever redrive, such
// as those parked in a memory queue that died with its process. Due entries
// are drained first; a row still deferred after the longest backoff plus two
// ticks is then considered orphaned.
func (r *Redriver) Sweep(ctx context.Context) (int, error) {
	for {
		n, err := r.RunOnce(ctx)
		if err != nil {
			return 0, err
		}
		if n < r.batch {
			break
		}
	}

	store := r.processor.store
	now := r.processor.now()
	stale, err := store.ListStaleDeferredEvents(ctx, now.Add(-maxDeferredBackoff-2*r.interval), 500)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, row := range stale {
		var env Envelope
		if row.EnvelopeJSON == "" || json.Unmarshal([]byte(row.EnvelopeJSON), &env) != nil {
			log.Warnf("[Deferred] Event %s has no stored envelope, rejecting", row.ProviderEventID)
			if err := store.FinishBillingEvent(ctx, row.ID, models.BillingEventRejected, "", "deferred event cannot be recovered", now); err != nil {
				return requeued, err
			}
			continue
		}
		env.Raw = row.PayloadJSON
		if err := r.queue.Park(ctx, DeferredEvent{
			Envelope: env,
			Attempts: row.Attempts,
			Reason:   "requeued",
			ParkedAt: now,
			DueAt:    now,
		}); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}
