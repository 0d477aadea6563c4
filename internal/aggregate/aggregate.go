// Package aggregate joins candidates to their verification scores per batch
// and retires each batch exactly once: on completion, or at its deadline with
// whatever arrived. Retirement emits one SFT record per scored candidate and
// hands the scored pairs to the DPO selector.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kunren/internal/bus"
	"github.com/ashita-ai/kunren/internal/ctxutil"
	"github.com/ashita-ai/kunren/internal/dpo"
	"github.com/ashita-ai/kunren/internal/model"
	"github.com/ashita-ai/kunren/internal/telemetry"
)

const (
	// retiredCacheSize bounds the LRU of recently retired batch IDs. Late
	// events for anything older than this window create a fresh batch that
	// then times out harmlessly.
	retiredCacheSize = 4096

	// backpressurePoll is how often a blocked handler re-checks the open
	// batch count.
	backpressurePoll = 250 * time.Millisecond
)

// Appender is the sink surface the aggregator needs.
type Appender interface {
	Append(record any) error
}

// Config holds aggregator tuning.
type Config struct {
	BatchTimeout     time.Duration // deadline from batch creation to forced retirement
	MaxOpenBatches   int           // backpressure cap
	RetiredCacheSize int           // LRU size for late-event discard
}

// batch is the state of one open batch. Per-batch locking lets independent
// batches progress in parallel under concurrent bus deliveries.
type batch struct {
	mu            sync.Mutex
	batchID       uuid.UUID
	correlationID uuid.UUID
	question      string
	contexts      []model.Passage
	answers       map[uuid.UUID]model.Candidate
	scores        map[uuid.UUID]model.ScoredCandidate
	expected      int // 0 until the first answer.generated arrives
	firstSeen     time.Time
	deadline      time.Time
	timer         *time.Timer
	retiring      bool // a retirement is emitting records right now
	retired       bool
}

// completeLocked reports whether every expected candidate has both an answer
// and a score. Caller holds b.mu.
func (b *batch) completeLocked() bool {
	if b.expected <= 0 {
		return false
	}
	if len(b.answers) != b.expected || len(b.scores) != b.expected {
		return false
	}
	for id := range b.answers {
		if _, ok := b.scores[id]; !ok {
			return false
		}
	}
	return true
}

// Aggregator is the single logical actor owning all open batches.
type Aggregator struct {
	bus      bus.Bus
	selector *dpo.Selector
	sftSink  Appender
	dpoSink  Appender
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	batches map[uuid.UUID]*batch
	retired *lru.Cache[uuid.UUID, time.Time]
}

// New creates an aggregator.
func New(b bus.Bus, selector *dpo.Selector, sftSink, dpoSink Appender, cfg Config, logger *slog.Logger) (*Aggregator, error) {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 30 * time.Minute
	}
	if cfg.MaxOpenBatches <= 0 {
		cfg.MaxOpenBatches = 10_000
	}
	if cfg.RetiredCacheSize <= 0 {
		cfg.RetiredCacheSize = retiredCacheSize
	}

	cache, err := lru.New[uuid.UUID, time.Time](cfg.RetiredCacheSize)
	if err != nil {
		return nil, fmt.Errorf("aggregate: create retired cache: %w", err)
	}

	a := &Aggregator{
		bus:      b,
		selector: selector,
		sftSink:  sftSink,
		dpoSink:  dpoSink,
		cfg:      cfg,
		logger:   logger,
		batches:  make(map[uuid.UUID]*batch),
		retired:  cache,
	}
	a.registerMetrics()
	return a, nil
}

// Run consumes both topics for the aggregator group until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.bus.Subscribe(ctx, model.TopicAnswerGenerated, bus.GroupAggregator, a.HandleAnswer)
	})
	g.Go(func() error {
		return a.bus.Subscribe(ctx, model.TopicVerificationCompleted, bus.GroupAggregator, a.HandleScore)
	})
	return g.Wait()
}

// OpenBatches returns the current number of open batches.
func (a *Aggregator) OpenBatches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batches)
}

// HandleAnswer upserts a candidate from an answer.generated event.
func (a *Aggregator) HandleAnswer(ctx context.Context, env model.Envelope) error {
	ctx = ctxutil.WithCorrelationID(ctx, env.CorrelationID)
	ctx = ctxutil.WithBatchID(ctx, env.BatchID)
	logger := ctxutil.Logger(ctx, a.logger)

	var payload model.AnswerGenerated
	if err := env.DecodePayload(&payload); err != nil {
		logger.Error("aggregate: malformed answer event dropped", "event_id", env.EventID, "error", err)
		return nil
	}

	b, late, err := a.getOrCreate(ctx, env.BatchID, env.CorrelationID)
	if err != nil {
		return err
	}
	if late {
		logger.Info("aggregate: late answer discarded, batch already retired", "answer_id", payload.AnswerID)
		return nil
	}

	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		logger.Info("aggregate: late answer discarded, batch already retired", "answer_id", payload.AnswerID)
		return nil
	}
	// Upsert: duplicate deliveries of the same answer_id collapse here.
	b.answers[payload.AnswerID] = model.Candidate{
		AnswerID:       payload.AnswerID,
		CandidateIndex: payload.CandidateIndex,
		Text:           payload.Answer,
		Sampling:       payload.Sampling,
		CreatedAt:      env.Timestamp,
	}
	if b.question == "" {
		b.question = payload.Question
		b.contexts = payload.Contexts
	}
	// The orchestrator is the authority on expected_count.
	if payload.ExpectedCount > 0 {
		b.expected = payload.ExpectedCount
	}
	complete := b.completeLocked()
	b.mu.Unlock()

	if complete {
		return a.retire(ctx, b, false)
	}
	return nil
}

// HandleScore upserts a verification from a verification.completed event.
func (a *Aggregator) HandleScore(ctx context.Context, env model.Envelope) error {
	ctx = ctxutil.WithCorrelationID(ctx, env.CorrelationID)
	ctx = ctxutil.WithBatchID(ctx, env.BatchID)
	logger := ctxutil.Logger(ctx, a.logger)

	var payload model.VerificationCompleted
	if err := env.DecodePayload(&payload); err != nil {
		logger.Error("aggregate: malformed verification event dropped", "event_id", env.EventID, "error", err)
		return nil
	}

	b, late, err := a.getOrCreate(ctx, env.BatchID, env.CorrelationID)
	if err != nil {
		return err
	}
	if late {
		logger.Info("aggregate: late verification discarded, batch already retired", "answer_id", payload.AnswerID)
		return nil
	}

	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		logger.Info("aggregate: late verification discarded, batch already retired", "answer_id", payload.AnswerID)
		return nil
	}
	if _, dup := b.scores[payload.AnswerID]; dup {
		b.mu.Unlock()
		logger.Debug("aggregate: duplicate verification ignored", "answer_id", payload.AnswerID)
		return nil
	}
	b.scores[payload.AnswerID] = payload.Scored(env.BatchID)
	complete := b.completeLocked()
	b.mu.Unlock()

	if complete {
		return a.retire(ctx, b, false)
	}
	return nil
}

// getOrCreate returns the open batch, creating it on first sight. late is
// true when the batch was recently retired; the event must be discarded.
// Creation blocks while the open-batch cap is hit: a blocked handler stops
// the bus from feeding this group, which is exactly the backpressure the cap
// is for.
func (a *Aggregator) getOrCreate(ctx context.Context, batchID, correlationID uuid.UUID) (*batch, bool, error) {
	for {
		a.mu.Lock()
		if _, wasRetired := a.retired.Get(batchID); wasRetired {
			a.mu.Unlock()
			return nil, true, nil
		}
		if b, ok := a.batches[batchID]; ok {
			a.mu.Unlock()
			return b, false, nil
		}
		if len(a.batches) < a.cfg.MaxOpenBatches {
			b := a.createLocked(batchID, correlationID)
			a.mu.Unlock()
			return b, false, nil
		}
		open := len(a.batches)
		a.mu.Unlock()

		a.logger.Warn("aggregate: open batch cap hit, pausing consumption",
			"open_batches", open, "max_open_batches", a.cfg.MaxOpenBatches)
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(backpressurePoll):
		}
	}
}

// createLocked creates a batch and arms its deadline timer. Caller holds a.mu.
func (a *Aggregator) createLocked(batchID, correlationID uuid.UUID) *batch {
	now := time.Now().UTC()
	b := &batch{
		batchID:       batchID,
		correlationID: correlationID,
		answers:       make(map[uuid.UUID]model.Candidate),
		scores:        make(map[uuid.UUID]model.ScoredCandidate),
		firstSeen:     now,
		deadline:      now.Add(a.cfg.BatchTimeout),
	}
	b.timer = time.AfterFunc(a.cfg.BatchTimeout, func() {
		ctx := ctxutil.WithCorrelationID(context.Background(), correlationID)
		ctx = ctxutil.WithBatchID(ctx, batchID)
		if err := a.retire(ctx, b, true); err != nil {
			ctxutil.Logger(ctx, a.logger).Error("aggregate: deadline retirement failed", "error", err)
		}
	})
	a.batches[batchID] = b
	return b
}

// retire emits the batch's records and removes it from memory. Safe to call
// from both the completion path and the deadline timer; the loser of that
// race sees retired=true and does nothing. A sink failure leaves the batch
// open so the triggering delivery is retried rather than the records dropped.
func (a *Aggregator) retire(ctx context.Context, b *batch, timedOut bool) error {
	logger := ctxutil.Logger(ctx, a.logger)

	b.mu.Lock()
	if b.retired || b.retiring {
		// The completion path and the deadline timer can race; whoever got
		// here first emits the records.
		b.mu.Unlock()
		return nil
	}
	b.retiring = true

	// Only candidates holding both an answer and a score produce records.
	pairs := make([]dpo.Pair, 0, len(b.scores))
	for id, score := range b.scores {
		if cand, ok := b.answers[id]; ok {
			pairs = append(pairs, dpo.Pair{Candidate: cand, Score: score})
		}
	}
	question := b.question
	contexts := b.contexts
	answerCount := len(b.answers)
	b.mu.Unlock()

	contextTexts := model.PassageTexts(contexts)
	now := time.Now().UTC()
	for _, p := range pairs {
		record := model.SFTRecord{
			Question: question,
			Answer:   p.Candidate.Text,
			Contexts: contextTexts,
			Verification: model.Verification{
				Faithfulness: p.Score.Faithfulness,
				Relevancy:    p.Score.Relevancy,
				Overall:      p.Score.Overall,
				Confidence:   p.Score.Confidence,
			},
			Metadata: model.SFTMetadata{
				BatchID:        b.batchID,
				CandidateIndex: p.Candidate.CandidateIndex,
				Sampling:       p.Candidate.Sampling,
				JudgeMode:      p.Score.JudgeMode,
			},
			Timestamp: now,
		}
		if err := a.sftSink.Append(record); err != nil {
			a.abortRetire(b)
			return fmt.Errorf("aggregate: append sft record: %w", err)
		}
	}

	dpoRecord, reason := a.selector.Select(question, contextTexts, pairs, timedOut)
	if dpoRecord != nil {
		if err := a.dpoSink.Append(dpoRecord); err != nil {
			a.abortRetire(b)
			return fmt.Errorf("aggregate: append dpo record: %w", err)
		}
	}

	b.mu.Lock()
	b.retired = true
	b.retiring = false
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	a.mu.Lock()
	delete(a.batches, b.batchID)
	a.retired.Add(b.batchID, now)
	a.mu.Unlock()

	logger.Info("aggregate: batch retired",
		"timed_out", timedOut,
		"answers", answerCount,
		"scored", len(pairs),
		"sft_records", len(pairs),
		"dpo_emitted", dpoRecord != nil,
		"dpo_skip_reason", string(reason))
	return nil
}

// abortRetire rolls the retiring flag back after a sink failure so the next
// delivery (or the rescheduled timer) can try again. Records already appended
// may repeat on the retry; duplicated lines are preferred over dropped ones.
func (a *Aggregator) abortRetire(b *batch) {
	b.mu.Lock()
	b.retiring = false
	if b.timer != nil {
		b.timer.Reset(backpressurePoll * 4)
	}
	b.mu.Unlock()
}

// registerMetrics exposes open/retired batch gauges.
func (a *Aggregator) registerMetrics() {
	meter := telemetry.Meter("kunren/aggregate")

	_, _ = meter.Int64ObservableGauge("kunren.aggregate.open_batches",
		metric.WithDescription("Number of batches awaiting completion or deadline"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(a.OpenBatches()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kunren.aggregate.retired_cached",
		metric.WithDescription("Number of recently retired batch IDs held for late-event discard"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			a.mu.Lock()
			n := a.retired.Len()
			a.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
}
