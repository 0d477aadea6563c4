package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kunren/internal/model"
)

// memDelivery is one in-flight delivery on the in-memory bus.
type memDelivery struct {
	envelope model.Envelope
	attempts int
}

// Memory is an in-process bus with the same at-least-once semantics as the
// Postgres bus: per-group queues, retries with backoff, dead-lettering after
// MaxDeliveries attempts. Used in tests and single-process dev mode.
type Memory struct {
	logger        *slog.Logger
	maxDeliveries int
	retryDelay    time.Duration

	mu     sync.Mutex
	queues map[string]chan memDelivery // key: topic + "/" + group
	parked []memDelivery
}

// NewMemory creates an in-memory bus.
func NewMemory(logger *slog.Logger, maxDeliveries int) *Memory {
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	return &Memory{
		logger:        logger,
		maxDeliveries: maxDeliveries,
		retryDelay:    10 * time.Millisecond,
		queues:        make(map[string]chan memDelivery),
	}
}

const memQueueCapacity = 4096

func (b *Memory) queue(topic, group string) chan memDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := topic + "/" + group
	q, ok := b.queues[key]
	if !ok {
		q = make(chan memDelivery, memQueueCapacity)
		b.queues[key] = q
	}
	return q
}

// Publish fans the envelope out to every consumer group routed to the topic.
func (b *Memory) Publish(ctx context.Context, topic, key string, env model.Envelope) error {
	_ = key // grouping key is carried on the envelope as batch_id
	for _, group := range GroupsFor(topic) {
		select {
		case b.queue(topic, group) <- memDelivery{envelope: env}:
		case <-ctx.Done():
			return ctx.Err()
		default:
			return fmt.Errorf("bus: queue %s/%s full", topic, group)
		}
	}
	return nil
}

// Subscribe consumes deliveries for (topic, group) until ctx is cancelled.
// Deliveries are handled one at a time; a blocking handler pauses the group.
func (b *Memory) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	q := b.queue(topic, group)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-q:
			if err := handler(ctx, d.envelope); err != nil {
				b.retry(ctx, topic, group, d, err)
			}
		}
	}
}

func (b *Memory) retry(ctx context.Context, topic, group string, d memDelivery, handlerErr error) {
	d.attempts++
	logger := b.logger.With(
		"group", group,
		"event_type", d.envelope.EventType,
		"event_id", d.envelope.EventID,
		"correlation_id", d.envelope.CorrelationID,
		"batch_id", d.envelope.BatchID,
	)

	if d.attempts >= b.maxDeliveries {
		b.mu.Lock()
		b.parked = append(b.parked, d)
		b.mu.Unlock()
		logger.Warn("bus: delivery parked (dead letter)",
			"attempts", d.attempts, "last_error", handlerErr.Error())
		return
	}

	logger.Warn("bus: delivery failed, will retry", "attempts", d.attempts, "error", handlerErr)

	// Re-enqueue after a short delay off the consumer goroutine so the queue
	// keeps draining while this delivery backs off.
	delay := b.retryDelay << (d.attempts - 1)
	q := b.queue(topic, group)
	time.AfterFunc(delay, func() {
		select {
		case q <- d:
		case <-ctx.Done():
		}
	})
}

// Parked returns the number of dead-lettered deliveries.
func (b *Memory) Parked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.parked)
}
