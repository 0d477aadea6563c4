package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kunren/internal/model"
	"github.com/ashita-ai/kunren/internal/storage"
	"github.com/ashita-ai/kunren/internal/telemetry"
)

// delivery is a claimed row from bus_deliveries joined to its message.
type delivery struct {
	MessageID int64
	Attempts  int
	Envelope  model.Envelope
}

// PostgresConfig holds tuning knobs for the Postgres bus.
type PostgresConfig struct {
	PollInterval  time.Duration // poll cadence per subscription
	Lease         time.Duration // how long a claim blocks other consumers
	BatchSize     int           // claims per poll
	MaxDeliveries int           // attempts before a delivery is parked
}

// Postgres is a durable bus backed by two tables: bus_messages (envelopes)
// and bus_deliveries (per-group delivery state). Claims use FOR UPDATE SKIP
// LOCKED so multiple worker processes can share a consumer group.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	cfg    PostgresConfig
}

// NewPostgres creates a Postgres bus. Zero config fields get defaults.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger, cfg PostgresConfig) *Postgres {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	b := &Postgres{pool: pool, logger: logger, cfg: cfg}
	b.registerMetrics()
	return b
}

// Publish stores the envelope and fans it out to every consumer group routed
// to the topic. The message and its deliveries commit atomically. Transient
// conflicts with concurrent claimers are retried.
func (b *Postgres) Publish(ctx context.Context, topic, key string, env model.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	return storage.WithRetry(ctx, storage.DefaultRetryAttempts, storage.DefaultRetryBase, func() error {
		return b.publishOnce(ctx, topic, key, raw)
	})
}

func (b *Postgres) publishOnce(ctx context.Context, topic, key string, raw []byte) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("bus: begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var messageID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO bus_messages (topic, grouping_key, envelope)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		topic, key, raw,
	).Scan(&messageID); err != nil {
		return fmt.Errorf("bus: insert message: %w", err)
	}

	for _, group := range GroupsFor(topic) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO bus_deliveries (message_id, consumer_group) VALUES ($1, $2)`,
			messageID, group,
		); err != nil {
			return fmt.Errorf("bus: insert delivery for %s: %w", group, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("bus: commit publish: %w", err)
	}
	return nil
}

// Subscribe polls for pending deliveries and hands them to handler, blocking
// until ctx is cancelled. Handler errors schedule a redelivery with
// exponential backoff; after MaxDeliveries attempts the delivery is parked
// for inspection and never redelivered.
func (b *Postgres) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deliveries, err := b.claim(ctx, topic, group)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.logger.Error("bus: claim failed", "topic", topic, "group", group, "error", err)
				continue
			}
			for _, d := range deliveries {
				b.dispatch(ctx, group, d, handler)
			}
		}
	}
}

// claim selects and leases a batch of pending deliveries for (topic, group).
func (b *Postgres) claim(ctx context.Context, topic, group string) ([]delivery, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT d.message_id, d.attempts, m.envelope
		 FROM bus_deliveries d
		 JOIN bus_messages m ON m.id = d.message_id
		 WHERE d.consumer_group = $1
		   AND m.topic = $2
		   AND d.acked_at IS NULL
		   AND d.parked_at IS NULL
		   AND (d.locked_until IS NULL OR d.locked_until < now())
		 ORDER BY d.created_at ASC
		 LIMIT $3
		 FOR UPDATE OF d SKIP LOCKED`,
		group, topic, b.cfg.BatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("bus: select pending: %w", err)
	}

	deliveries, err := scanDeliveries(rows)
	if err != nil {
		return nil, err
	}
	if len(deliveries) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(deliveries))
	for i, d := range deliveries {
		ids[i] = d.MessageID
	}
	// The lease must outlive the longest handler run so a second worker does
	// not pick up a delivery that is still being processed.
	if _, err := tx.Exec(ctx,
		`UPDATE bus_deliveries
		 SET locked_until = now() + $1 * interval '1 microsecond'
		 WHERE consumer_group = $2 AND message_id = ANY($3)`,
		b.cfg.Lease.Microseconds(), group, ids,
	); err != nil {
		return nil, fmt.Errorf("bus: lease deliveries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("bus: commit claim: %w", err)
	}
	return deliveries, nil
}

func (b *Postgres) dispatch(ctx context.Context, group string, d delivery, handler Handler) {
	logger := b.logger.With(
		"group", group,
		"event_type", d.Envelope.EventType,
		"event_id", d.Envelope.EventID,
		"correlation_id", d.Envelope.CorrelationID,
		"batch_id", d.Envelope.BatchID,
	)

	if err := handler(ctx, d.Envelope); err != nil {
		if ctx.Err() != nil {
			// Shutdown race: leave the delivery leased; it redelivers after
			// the lease expires.
			return
		}
		b.fail(ctx, group, d, err, logger)
		return
	}

	if _, err := b.pool.Exec(ctx,
		`UPDATE bus_deliveries SET acked_at = now()
		 WHERE message_id = $1 AND consumer_group = $2 AND acked_at IS NULL`,
		d.MessageID, group,
	); err != nil {
		// The ack is lost; the delivery will be retried. Handlers are
		// idempotent so this is safe.
		logger.Warn("bus: ack failed, delivery will repeat", "error", err)
	}
}

// fail records a handler error: bump attempts with backoff, or park the
// delivery once the attempt budget is spent.
func (b *Postgres) fail(ctx context.Context, group string, d delivery, handlerErr error, logger *slog.Logger) {
	if d.Attempts+1 >= b.cfg.MaxDeliveries {
		if _, err := b.pool.Exec(ctx,
			`UPDATE bus_deliveries
			 SET attempts = attempts + 1, last_error = $3, parked_at = now()
			 WHERE message_id = $1 AND consumer_group = $2`,
			d.MessageID, group, handlerErr.Error(),
		); err != nil {
			logger.Error("bus: park failed", "error", err)
			return
		}
		logger.Warn("bus: delivery parked (dead letter)",
			"attempts", d.Attempts+1, "last_error", handlerErr.Error())
		return
	}

	// Exponential backoff: 2^attempts seconds, capped at 5 minutes.
	if _, err := b.pool.Exec(ctx,
		`UPDATE bus_deliveries
		 SET attempts = attempts + 1,
		     last_error = $3,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE message_id = $1 AND consumer_group = $2`,
		d.MessageID, group, handlerErr.Error(),
	); err != nil {
		logger.Error("bus: record failure", "error", err)
		return
	}
	logger.Warn("bus: delivery failed, will retry", "attempts", d.Attempts+1, "error", handlerErr)
}

// Parked returns the number of dead-lettered deliveries, for operators.
func (b *Postgres) Parked(ctx context.Context) (int64, error) {
	var n int64
	err := b.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bus_deliveries WHERE parked_at IS NOT NULL`,
	).Scan(&n)
	return n, err
}

// CleanupAcked deletes messages whose deliveries are all acked and older than
// the retention window. Parked deliveries pin their message for inspection.
func (b *Postgres) CleanupAcked(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM bus_messages m
		 WHERE m.created_at < now() - $1 * interval '1 microsecond'
		   AND NOT EXISTS (
		     SELECT 1 FROM bus_deliveries d
		     WHERE d.message_id = m.id AND d.acked_at IS NULL
		   )`,
		retention.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("bus: cleanup acked: %w", err)
	}
	return tag.RowsAffected(), nil
}

// registerMetrics registers observable OTEL gauges for bus health monitoring.
func (b *Postgres) registerMetrics() {
	meter := telemetry.Meter("kunren/bus")

	_, _ = meter.Int64ObservableGauge("kunren.bus.depth",
		metric.WithDescription("Number of pending (unacked, unparked) deliveries"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := b.pool.QueryRow(ctx,
				`SELECT COUNT(*) FROM bus_deliveries WHERE acked_at IS NULL AND parked_at IS NULL`,
			).Scan(&count)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kunren.bus.parked",
		metric.WithDescription("Number of dead-lettered deliveries"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := b.Parked(ctx)
			if err != nil {
				return nil
			}
			o.Observe(n)
			return nil
		}),
	)
}

func scanDeliveries(rows pgx.Rows) ([]delivery, error) {
	defer rows.Close()
	var deliveries []delivery
	for rows.Next() {
		var d delivery
		var raw []byte
		if err := rows.Scan(&d.MessageID, &d.Attempts, &raw); err != nil {
			return nil, fmt.Errorf("bus: scan delivery: %w", err)
		}
		if err := json.Unmarshal(raw, &d.Envelope); err != nil {
			return nil, fmt.Errorf("bus: decode envelope: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
