package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbeddings は入力文字列の長さをベクトルにして返す
type fakeEmbeddings struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	calls       atomic.Int32
	delay       time.Duration
	failOn      string
	rateLimited atomic.Int32
	params      []openai.EmbeddingNewParams
}

func (f *fakeEmbeddings) New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.params = append(f.params, body)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.rateLimited.Load() > 0 {
		f.rateLimited.Add(-1)
		return nil, rateLimitError()
	}

	text := body.Input.OfString.Value
	if f.failOn != "" && text == f.failOn {
		return nil, errors.New("upstream failure")
	}

	return &openai.CreateEmbeddingResponse{
		Data: []openai.Embedding{{Embedding: []float64{float64(len(text)), 0, 1}}},
		Usage: openai.CreateEmbeddingResponseUsage{
			PromptTokens: int64(len(text)),
			TotalTokens:  int64(len(text)),
		},
	}, nil
}

func rateLimitError() error {
	return &openai.Error{
		StatusCode: http.StatusTooManyRequests,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.example.com/v1/embeddings", nil),
		Response:   &http.Response{StatusCode: http.StatusTooManyRequests},
	}
}

func testEmbedder(api embeddingsAPI, opts ...EmbedderOption) *Embedder {
	opts = append([]EmbedderOption{WithEmbeddingDimension(3), WithEmbedderLogger(discardLogger())}, opts...)
	e := newEmbedder(api, resolveEmbedderOptions(opts))
	e.backoff = backoff{base: time.Millisecond, max: time.Millisecond}
	return e
}

func TestNewEmbedder_RequiresAPIKey(t *testing.T) {
	_, err := NewEmbedder("")
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func TestNewEmbedderOptionsOverrideDefaults(t *testing.T) {
	embedder, err := NewEmbedder("dummy-key",
		WithEmbeddingModel("custom-model"),
		WithEmbeddingDimension(42),
		WithEmbeddingBaseURL("http://localhost:11434/v1"),
	)
	require.NoError(t, err)

	assert.Equal(t, "custom-model", embedder.ModelName())
	assert.Equal(t, 42, embedder.Dimension())
	assert.Equal(t, DefaultMaxParallelCalls, embedder.maxParallelCalls)
}

func TestEmbedder_Embed(t *testing.T) {
	api := &fakeEmbeddings{}
	e := testEmbedder(api, WithEmbeddingModel("m"))

	vec, tokens, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 0, 1}, vec)
	assert.Equal(t, 5, tokens)

	require.Len(t, api.params, 1)
	assert.Equal(t, openai.EmbeddingModel("m"), api.params[0].Model)
	assert.Equal(t, int64(3), api.params[0].Dimensions.Value)
}

func TestEmbedder_EmbedRejectsWrongDimension(t *testing.T) {
	e := testEmbedder(&fakeEmbeddings{}, WithEmbeddingDimension(8))

	_, _, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestEmbedder_EmbedBatchBoundsConcurrencyAndKeepsOrder(t *testing.T) {
	api := &fakeEmbeddings{delay: 10 * time.Millisecond}
	e := testEmbedder(api, WithMaxParallelCalls(2))

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, tokens, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)

	require.Len(t, vectors, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0])
	}
	assert.Equal(t, 15, tokens)
	assert.Equal(t, int32(5), api.calls.Load())
	assert.LessOrEqual(t, api.maxInFlight, 2)
}

func TestEmbedder_EmbedBatchFailsWhenAnyCallFails(t *testing.T) {
	api := &fakeEmbeddings{failOn: "bad"}
	e := testEmbedder(api, WithMaxParallelCalls(1))

	_, _, err := e.EmbedBatch(context.Background(), []string{"ok", "bad", "later"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream failure")
	// 失敗したウィンドウ以降は呼び出さない
	assert.Equal(t, int32(2), api.calls.Load())
}

func TestEmbedder_EmbedBatchEmpty(t *testing.T) {
	api := &fakeEmbeddings{}
	vectors, tokens, err := testEmbedder(api).EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Zero(t, tokens)
	assert.Zero(t, api.calls.Load())
}

func TestEmbedder_RetriesOnRateLimit(t *testing.T) {
	api := &fakeEmbeddings{}
	api.rateLimited.Store(2)
	e := testEmbedder(api)

	vec, _, err := e.Embed(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, float32(3), vec[0])
	assert.Equal(t, int32(3), api.calls.Load())
}
