package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kunren/internal/dpo"
	"github.com/ashita-ai/kunren/internal/model"
)

// memSink collects appended records in memory.
type memSink struct {
	mu      sync.Mutex
	records []any
}

func (m *memSink) Append(record any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func testSelector() *dpo.Selector {
	return dpo.NewSelector(dpo.Config{
		MinScoreDiff:   0.3,
		MinChosenScore: 0.7,
	}, dpo.NewStats(), slog.New(slog.DiscardHandler))
}

func newTestAggregator(t *testing.T, cfg Config) (*Aggregator, *memSink, *memSink) {
	t.Helper()
	sft := &memSink{}
	dpoSink := &memSink{}
	a, err := New(nil, testSelector(), sft, dpoSink, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return a, sft, dpoSink
}

type testBatch struct {
	batchID       uuid.UUID
	correlationID uuid.UUID
	answerIDs     []uuid.UUID
}

func newTestBatch(n int) testBatch {
	tb := testBatch{batchID: uuid.New(), correlationID: uuid.New()}
	for range n {
		tb.answerIDs = append(tb.answerIDs, uuid.New())
	}
	return tb
}

func (tb testBatch) answerEnv(t *testing.T, index, expected int, text string) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(model.TopicAnswerGenerated, tb.correlationID, tb.batchID, model.AnswerGenerated{
		AnswerID:       tb.answerIDs[index],
		CandidateIndex: index,
		ExpectedCount:  expected,
		Question:       "What is a load balancer?",
		Answer:         text,
		Contexts:       []model.Passage{{Text: "A load balancer distributes traffic.", SourceID: "doc-1", Score: 0.9}},
		Sampling:       model.SamplingParams{Temperature: 0.7},
		ModelName:      "test-model",
	})
	require.NoError(t, err)
	return env
}

func (tb testBatch) scoreEnv(t *testing.T, index int, faithfulness, relevancy float64) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(model.TopicVerificationCompleted, tb.correlationID, tb.batchID, model.VerificationCompleted{
		AnswerID:     tb.answerIDs[index],
		Faithfulness: faithfulness,
		Relevancy:    relevancy,
		Overall:      (faithfulness + relevancy) / 2,
		Confidence:   model.ConfidenceFor(faithfulness, relevancy),
		JudgeMode:    model.JudgeModeLLM,
		ScoredAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	return env
}

func TestCompleteBatchEmitsSFTAndDPO(t *testing.T) {
	a, sft, dpoSink := newTestAggregator(t, Config{BatchTimeout: time.Minute, MaxOpenBatches: 10})
	ctx := context.Background()
	tb := newTestBatch(3)

	texts := []string{"strong answer", "middling answer", "weak answer"}
	for i := range 3 {
		require.NoError(t, a.HandleAnswer(ctx, tb.answerEnv(t, i, 3, texts[i])))
	}
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 0, 0.9, 0.9)))
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 1, 0.75, 0.75)))
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 2, 0.5, 0.4)))

	assert.Equal(t, 3, sft.len())
	require.Equal(t, 1, dpoSink.len())

	record := dpoSink.records[0].(*model.DPORecord)
	assert.InDelta(t, 0.9, record.Chosen.Score, 1e-9)
	assert.InDelta(t, 0.45, record.Rejected.Score, 1e-9)
	assert.InDelta(t, 0.45, record.ScoreDifference, 1e-9)
	assert.Equal(t, "strong answer", record.Chosen.Text)
	assert.Equal(t, "weak answer", record.Rejected.Text)

	assert.Equal(t, 0, a.OpenBatches())
}

func TestLowSpreadBatchSkipsDPO(t *testing.T) {
	a, sft, dpoSink := newTestAggregator(t, Config{BatchTimeout: time.Minute, MaxOpenBatches: 10})
	ctx := context.Background()
	tb := newTestBatch(3)

	for i := range 3 {
		require.NoError(t, a.HandleAnswer(ctx, tb.answerEnv(t, i, 3, "answer")))
	}
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 0, 0.8, 0.8)))
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 1, 0.78, 0.79)))
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 2, 0.77, 0.78)))

	assert.Equal(t, 3, sft.len())
	assert.Equal(t, 0, dpoSink.len())
}

func TestScoreBeforeAnswerStillCompletes(t *testing.T) {
	a, sft, _ := newTestAggregator(t, Config{BatchTimeout: time.Minute, MaxOpenBatches: 10})
	ctx := context.Background()
	tb := newTestBatch(2)

	// Verifications race ahead of the answer deliveries for this group.
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 0, 0.9, 0.9)))
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 1, 0.5, 0.5)))
	assert.Equal(t, 1, a.OpenBatches())

	require.NoError(t, a.HandleAnswer(ctx, tb.answerEnv(t, 0, 2, "first")))
	require.NoError(t, a.HandleAnswer(ctx, tb.answerEnv(t, 1, 2, "second")))

	assert.Equal(t, 2, sft.len())
	assert.Equal(t, 0, a.OpenBatches())
}

func TestDuplicateVerificationIsNoOp(t *testing.T) {
	a, sft, dpoSink := newTestAggregator(t, Config{BatchTimeout: time.Minute, MaxOpenBatches: 10})
	ctx := context.Background()
	tb := newTestBatch(2)

	require.NoError(t, a.HandleAnswer(ctx, tb.answerEnv(t, 0, 2, "first")))
	require.NoError(t, a.HandleAnswer(ctx, tb.answerEnv(t, 1, 2, "second")))

	dup := tb.scoreEnv(t, 0, 0.9, 0.9)
	require.NoError(t, a.HandleScore(ctx, dup))
	require.NoError(t, a.HandleScore(ctx, dup)) // redelivery
	assert.Equal(t, 1, a.OpenBatches())

	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 1, 0.5, 0.5)))

	assert.Equal(t, 2, sft.len())
	assert.Equal(t, 1, dpoSink.len())
}

func TestDeadlineRetiresPartialBatch(t *testing.T) {
	a, sft, dpoSink := newTestAggregator(t, Config{BatchTimeout: 100 * time.Millisecond, MaxOpenBatches: 10})
	ctx := context.Background()
	tb := newTestBatch(3)

	for i := range 3 {
		require.NoError(t, a.HandleAnswer(ctx, tb.answerEnv(t, i, 3, "answer")))
	}
	// Only two of three verifications arrive before the deadline.
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 0, 0.9, 0.9)))
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 1, 0.5, 0.5)))

	require.Eventually(t, func() bool { return a.OpenBatches() == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, sft.len())
	assert.Equal(t, 1, dpoSink.len()) // 0.9 vs 0.5 passes both gates

	// The straggler is discarded against the retired-batch cache.
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 2, 0.8, 0.8)))
	assert.Equal(t, 2, sft.len())
	assert.Equal(t, 1, dpoSink.len())
	assert.Equal(t, 0, a.OpenBatches())
}

func TestReplayAfterRetirementChangesNothing(t *testing.T) {
	a, sft, dpoSink := newTestAggregator(t, Config{BatchTimeout: time.Minute, MaxOpenBatches: 10})
	ctx := context.Background()
	tb := newTestBatch(2)

	events := []struct {
		answer bool
		index  int
	}{
		{true, 0}, {true, 1},
	}
	for _, e := range events {
		require.NoError(t, a.HandleAnswer(ctx, tb.answerEnv(t, e.index, 2, "answer")))
	}
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 0, 0.9, 0.9)))
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 1, 0.5, 0.5)))

	require.Equal(t, 2, sft.len())
	require.Equal(t, 1, dpoSink.len())

	// Full replay: every event is discarded against the retired cache.
	for _, e := range events {
		require.NoError(t, a.HandleAnswer(ctx, tb.answerEnv(t, e.index, 2, "answer")))
	}
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 0, 0.9, 0.9)))
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 1, 0.5, 0.5)))

	assert.Equal(t, 2, sft.len())
	assert.Equal(t, 1, dpoSink.len())
	assert.Equal(t, 0, a.OpenBatches())
}

func TestSingleScoredCandidateEmitsSFTOnly(t *testing.T) {
	a, sft, dpoSink := newTestAggregator(t, Config{BatchTimeout: 100 * time.Millisecond, MaxOpenBatches: 10})
	ctx := context.Background()
	tb := newTestBatch(2)

	require.NoError(t, a.HandleAnswer(ctx, tb.answerEnv(t, 0, 2, "only answer")))
	require.NoError(t, a.HandleAnswer(ctx, tb.answerEnv(t, 1, 2, "unscored answer")))
	require.NoError(t, a.HandleScore(ctx, tb.scoreEnv(t, 0, 0.9, 0.9)))

	require.Eventually(t, func() bool { return a.OpenBatches() == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, sft.len())
	assert.Equal(t, 0, dpoSink.len())
}

func TestBackpressureBlocksNewBatches(t *testing.T) {
	a, _, _ := newTestAggregator(t, Config{BatchTimeout: time.Minute, MaxOpenBatches: 1})
	ctx := context.Background()

	first := newTestBatch(1)
	require.NoError(t, a.HandleAnswer(ctx, first.answerEnv(t, 0, 1, "answer")))
	require.Equal(t, 1, a.OpenBatches())

	second := newTestBatch(1)
	done := make(chan error, 1)
	go func() {
		done <- a.HandleAnswer(ctx, second.answerEnv(t, 0, 1, "answer"))
	}()

	select {
	case <-done:
		t.Fatal("handler returned while the open batch cap was hit")
	case <-time.After(100 * time.Millisecond):
	}

	// Completing the first batch frees a slot and unblocks the handler.
	require.NoError(t, a.HandleScore(ctx, first.scoreEnv(t, 0, 0.9, 0.9)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not resume after the cap cleared")
	}
	assert.Equal(t, 1, a.OpenBatches())
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	a, sft, _ := newTestAggregator(t, Config{BatchTimeout: time.Minute, MaxOpenBatches: 10})

	env := model.Envelope{
		EventID:       uuid.New(),
		EventType:     model.TopicAnswerGenerated,
		CorrelationID: uuid.New(),
		BatchID:       uuid.New(),
		Timestamp:     time.Now().UTC(),
		Payload:       []byte(`{"candidate_index": "zero"}`),
	}
	require.NoError(t, a.HandleAnswer(context.Background(), env))
	assert.Equal(t, 0, sft.len())
	assert.Equal(t, 0, a.OpenBatches())
}
