// Package events provides asynchronous event intake for the engine. The
// queue shards by user id with one worker per shard, so events for the same
// user are consumed in submission order while different users process in
// parallel. This is an ordering convenience on top of the engine's own
// per-user locking, not a correctness requirement.
//
// The channel-based implementation suits single-instance deployments; a
// multi-instance deployment would swap in a partitioned broker behind the
// same Publisher/Consumer interfaces.
package events

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dvloznov/savings-engine/internal/domain"
)

// Handler processes one event pulled off the queue. A returned error is
// logged; the queue never retries, because the engine's event-id dedup makes
// caller-level resubmission the safe retry path.
type Handler func(ctx context.Context, ev *domain.FinancialEvent) error

// Publisher enqueues events for asynchronous processing.
type Publisher interface {
	Publish(ctx context.Context, ev *domain.FinancialEvent) error
	Close() error
}

// Consumer drains the queue into a handler.
type Consumer interface {
	Start(ctx context.Context, handler Handler) error
	Stop(ctx context.Context) error
}

// Queue is the in-memory sharded implementation of Publisher and Consumer.
type Queue struct {
	shards    []chan *domain.FinancialEvent
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	log       zerolog.Logger
}

// NewQueue creates a queue with the given shard count and per-shard buffer.
func NewQueue(shardCount, bufferSize int, log zerolog.Logger) *Queue {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]chan *domain.FinancialEvent, shardCount)
	for i := range shards {
		shards[i] = make(chan *domain.FinancialEvent, bufferSize)
	}
	return &Queue{
		shards:    shards,
		closeChan: make(chan struct{}),
		log:       log,
	}
}

// Publish implements Publisher. Events for one user always land on the same
// shard, preserving their relative order. Blocks when the shard buffer is
// full, providing backpressure to the submitter.
func (q *Queue) Publish(ctx context.Context, ev *domain.FinancialEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	select {
	case q.shardFor(ev.UserID) <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return fmt.Errorf("queue is closed")
	}
}

// Start implements Consumer. One worker per shard keeps per-user ordering.
func (q *Queue) Start(ctx context.Context, handler Handler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	for _, shard := range q.shards {
		q.wg.Add(1)
		go q.worker(ctx, shard, handler)
	}
	return nil
}

// worker runs until its shard is closed and empty, so everything accepted
// before Stop still reaches the handler.
func (q *Queue) worker(ctx context.Context, shard chan *domain.FinancialEvent, handler Handler) {
	defer q.wg.Done()

	for ev := range shard {
		if err := handler(ctx, ev); err != nil {
			q.log.Error().Err(err).
				Str("event_id", ev.EventID).
				Str("user_id", ev.UserID).
				Msg("Event handler failed")
		}
	}
}

// Stop implements Consumer. Rejects further publishes, drains everything
// already buffered through the workers, then waits for them to finish
// (bounded by ctx).
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	// No publisher can be mid-send: Publish holds the read lock for the
	// whole send and checks closed first.
	for _, shard := range q.shards {
		close(shard)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Publisher.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

func (q *Queue) shardFor(userID string) chan *domain.FinancialEvent {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return q.shards[int(h.Sum32())%len(q.shards)]
}

var (
	_ Publisher = (*Queue)(nil)
	_ Consumer  = (*Queue)(nil)
)
