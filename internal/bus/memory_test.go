package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kunren/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testEnvelope(t *testing.T, eventType string) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(eventType, uuid.New(), uuid.New(), map[string]string{"k": "v"})
	require.NoError(t, err)
	return env
}

func TestGroupsFor(t *testing.T) {
	assert.ElementsMatch(t, []string{GroupVerifiers, GroupAggregator}, GroupsFor(model.TopicAnswerGenerated))
	assert.ElementsMatch(t, []string{GroupAggregator}, GroupsFor(model.TopicVerificationCompleted))
	assert.Empty(t, GroupsFor("unknown.topic"))
}

func TestMemoryFanOut(t *testing.T) {
	b := NewMemory(testLogger(), 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := testEnvelope(t, model.TopicAnswerGenerated)
	require.NoError(t, b.Publish(ctx, model.TopicAnswerGenerated, env.BatchID.String(), env))

	// Both routed groups receive the same message independently.
	got := make(chan string, 2)
	for _, group := range []string{GroupVerifiers, GroupAggregator} {
		go func() {
			_ = b.Subscribe(ctx, model.TopicAnswerGenerated, group, func(_ context.Context, e model.Envelope) error {
				assert.Equal(t, env.EventID, e.EventID)
				got <- group
				return nil
			})
		}()
	}

	seen := map[string]bool{}
	for range 2 {
		select {
		case g := <-got:
			seen[g] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
	assert.True(t, seen[GroupVerifiers])
	assert.True(t, seen[GroupAggregator])
}

func TestMemoryRetriesThenAcks(t *testing.T) {
	b := NewMemory(testLogger(), 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := testEnvelope(t, model.TopicVerificationCompleted)
	require.NoError(t, b.Publish(ctx, model.TopicVerificationCompleted, env.BatchID.String(), env))

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	go func() {
		_ = b.Subscribe(ctx, model.TopicVerificationCompleted, GroupAggregator, func(_ context.Context, _ model.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retries")
	}
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
	assert.Equal(t, 0, b.Parked())
}

func TestMemoryParksAfterMaxDeliveries(t *testing.T) {
	b := NewMemory(testLogger(), 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := testEnvelope(t, model.TopicVerificationCompleted)
	require.NoError(t, b.Publish(ctx, model.TopicVerificationCompleted, env.BatchID.String(), env))

	var mu sync.Mutex
	attempts := 0
	go func() {
		_ = b.Subscribe(ctx, model.TopicVerificationCompleted, GroupAggregator, func(_ context.Context, _ model.Envelope) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("poison")
		})
	}()

	require.Eventually(t, func() bool {
		return b.Parked() == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}
