package openai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/errgroup"

	"github.com/jinford/reading-rag/internal/core/ingestion"
	"github.com/jinford/reading-rag/internal/core/search"
)

const (
	// DefaultEmbeddingModel はモデル未指定時のデフォルトモデル
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultEmbeddingDimension はOpenAI推奨のデフォルト次元
	DefaultEmbeddingDimension = 1536
	// DefaultMaxParallelCalls は同時に投げるEmbedding呼び出しの上限
	DefaultMaxParallelCalls = 2
)

// embeddingsAPI は openai.EmbeddingService のうち使用する部分
type embeddingsAPI interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// Embedder は OpenAI 互換 API を使用してテキストをベクトルに変換する
// 1テキスト1呼び出しで、同時呼び出し数は maxParallelCalls に制限する
type Embedder struct {
	api              embeddingsAPI
	model            string
	dimension        int
	maxParallelCalls int
	backoff          backoff
	logger           *slog.Logger
}

type embedderOptions struct {
	model            string
	dimension        int
	baseURL          string
	maxParallelCalls int
	logger           *slog.Logger
}

// EmbedderOption は Embedder のオプション設定
type EmbedderOption func(*embedderOptions)

// WithEmbeddingModel はモデル名を上書きする
func WithEmbeddingModel(model string) EmbedderOption {
	return func(o *embedderOptions) {
		o.model = model
	}
}

// WithEmbeddingDimension はベクトル次元を上書きする
func WithEmbeddingDimension(dimension int) EmbedderOption {
	return func(o *embedderOptions) {
		o.dimension = dimension
	}
}

// WithEmbeddingBaseURL は OpenAI 互換エンドポイントを指定する
func WithEmbeddingBaseURL(baseURL string) EmbedderOption {
	return func(o *embedderOptions) {
		o.baseURL = baseURL
	}
}

// WithMaxParallelCalls は同時呼び出し数の上限を設定する
func WithMaxParallelCalls(n int) EmbedderOption {
	return func(o *embedderOptions) {
		o.maxParallelCalls = n
	}
}

// WithEmbedderLogger はロガーを設定する
func WithEmbedderLogger(logger *slog.Logger) EmbedderOption {
	return func(o *embedderOptions) {
		o.logger = logger
	}
}

// NewEmbedder は新しい Embedder を作成する
func NewEmbedder(apiKey string, opts ...EmbedderOption) (*Embedder, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := resolveEmbedderOptions(opts)
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if options.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(options.baseURL))
	}
	client := openai.NewClient(reqOpts...)

	return newEmbedder(&client.Embeddings, options), nil
}

func resolveEmbedderOptions(opts []EmbedderOption) embedderOptions {
	options := embedderOptions{
		model:            DefaultEmbeddingModel,
		dimension:        DefaultEmbeddingDimension,
		maxParallelCalls: DefaultMaxParallelCalls,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.maxParallelCalls <= 0 {
		options.maxParallelCalls = 1
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	return options
}

func newEmbedder(api embeddingsAPI, options embedderOptions) *Embedder {
	return &Embedder{
		api:              api,
		model:            options.model,
		dimension:        options.dimension,
		maxParallelCalls: options.maxParallelCalls,
		backoff:          defaultBackoff(),
		logger:           options.logger,
	}
}

// Embed は単一テキストの Embedding と消費トークン数を返す
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, int, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
	}
	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := retryOnRateLimit(ctx, e.backoff, func() (*openai.CreateEmbeddingResponse, error) {
		return e.api.New(ctx, params)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, 0, fmt.Errorf("no embeddings generated")
	}

	raw := resp.Data[0].Embedding
	vector := make([]float32, len(raw))
	for i, v := range raw {
		vector[i] = float32(v)
	}
	if e.dimension > 0 && len(vector) != e.dimension {
		return nil, 0, fmt.Errorf("unexpected embedding dimension: got %d, want %d", len(vector), e.dimension)
	}

	return vector, int(resp.Usage.TotalTokens), nil
}

// EmbedBatch は入力順のベクトルと合計トークン数を返す
// maxParallelCalls 件ずつのウィンドウで呼び出し、ウィンドウ全体の完了を待ってから次へ進む
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	vectors := make([][]float32, len(texts))
	tokens := make([]int, len(texts))

	for start := 0; start < len(texts); start += e.maxParallelCalls {
		end := min(start+e.maxParallelCalls, len(texts))

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				vec, n, err := e.Embed(gctx, texts[i])
				if err != nil {
					return fmt.Errorf("text %d: %w", i, err)
				}
				vectors[i] = vec
				tokens[i] = n
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, 0, err
		}
	}

	total := 0
	for _, n := range tokens {
		total += n
	}
	e.logger.Debug("Embeddingを生成", "count", len(texts), "tokens", total, "model", e.model)
	return vectors, total, nil
}

// ModelName はモデル名を返す
func (e *Embedder) ModelName() string {
	return e.model
}

// Dimension はベクトル次元数を返す
func (e *Embedder) Dimension() int {
	return e.dimension
}

// インターフェース実装の確認
var (
	_ ingestion.Embedder = (*Embedder)(nil)
	_ search.Embedder    = (*Embedder)(nil)
)
