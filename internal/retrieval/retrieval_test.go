package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kunren/internal/model"
)

type fakeRetriever struct {
	calls    int
	failures int
	err      error
	passages []model.Passage
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ int) ([]model.Passage, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.passages, nil
}

func TestWithRetriesRecoversFromTransientFailure(t *testing.T) {
	want := []model.Passage{{Text: "the sky is blue", SourceID: "doc-1", Score: 0.92}}
	fake := &fakeRetriever{
		failures: 2,
		err:      fmt.Errorf("%w: connection refused", ErrUnavailable),
		passages: want,
	}

	got, err := WithRetries(fake).Retrieve(context.Background(), "why is the sky blue?", 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 3, fake.calls)
}

func TestWithRetriesGivesUpAfterThreeAttempts(t *testing.T) {
	fake := &fakeRetriever{
		failures: 10,
		err:      fmt.Errorf("%w: connection refused", ErrUnavailable),
	}

	_, err := WithRetries(fake).Retrieve(context.Background(), "q", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, fake.calls)
}

func TestWithRetriesDoesNotRetryPermanentErrors(t *testing.T) {
	fake := &fakeRetriever{
		failures: 10,
		err:      errors.New("bad request"),
	}

	_, err := WithRetries(fake).Retrieve(context.Background(), "q", 5)
	require.Error(t, err)
	assert.Equal(t, 1, fake.calls)
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{"https with REST port", "https://xyz.cloud.qdrant.io:6333", "xyz.cloud.qdrant.io", 6334, true, false},
		{"http with gRPC port", "http://localhost:6334", "localhost", 6334, false, false},
		{"no port defaults to gRPC", "http://qdrant", "qdrant", 6334, false, false},
		{"garbage", "not a url", "", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantTLS, useTLS)
		})
	}
}
