package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"golang.org/x/time/rate"

	"github.com/jinford/reading-rag/internal/core/kg"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 120 * time.Second

	// JSONParseMaxRetries はJSON解析エラー時の最大リトライ回数
	JSONParseMaxRetries = 1
)

// chatAPI は openai.ChatCompletionService のうち使用する部分
type chatAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client は OpenAI 互換 API を使用した LLM クライアント実装
type Client struct {
	api     chatAPI
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	backoff backoff
	logger  *slog.Logger
}

type clientOptions struct {
	model             string
	baseURL           string
	timeout           time.Duration
	requestsPerMinute int
	logger            *slog.Logger
}

// ClientOption は Client のオプション設定
type ClientOption func(*clientOptions)

// WithModel は既定のモデルを設定する
func WithModel(model string) ClientOption {
	return func(o *clientOptions) {
		o.model = model
	}
}

// WithBaseURL は OpenAI 互換エンドポイントを指定する
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) {
		o.baseURL = baseURL
	}
}

// WithTimeout はAPIコールのタイムアウトを設定する
func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// WithRequestsPerMinute は1分あたりのリクエスト数を制限する。0以下で無制限
func WithRequestsPerMinute(n int) ClientOption {
	return func(o *clientOptions) {
		o.requestsPerMinute = n
	}
}

// WithClientLogger はロガーを設定する
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// NewClient はAPIキーを指定して Client を作成する
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := resolveClientOptions(opts)
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if options.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(options.baseURL))
	}
	client := openai.NewClient(reqOpts...)

	return newClient(&client.Chat.Completions, options), nil
}

func resolveClientOptions(opts []ClientOption) clientOptions {
	options := clientOptions{
		model:   DefaultModel,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	return options
}

func newClient(api chatAPI, options clientOptions) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if options.requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(options.requestsPerMinute)), 1)
	}
	return &Client{
		api:     api,
		model:   options.model,
		timeout: options.timeout,
		limiter: limiter,
		backoff: defaultBackoff(),
		logger:  options.logger,
	}
}

// ModelName はモデル名を返す
func (c *Client) ModelName() string {
	return c.model
}

// GenerateCompletion はテキストを生成する
// JSONResponse の場合、不正なJSONが返れば一度だけ再生成する
func (c *Client) GenerateCompletion(ctx context.Context, req kg.CompletionRequest) (kg.CompletionResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	var jsonParseRetries int
	for {
		resp, err := c.generateWithRetry(ctx, model, req)
		if err != nil {
			return kg.CompletionResponse{}, err
		}

		if req.JSONResponse && !isValidJSON(resp.Content) {
			jsonParseRetries++
			if jsonParseRetries > JSONParseMaxRetries {
				return kg.CompletionResponse{}, fmt.Errorf("%w: JSON parse failed after %d retries", ErrInvalidResponseFormat, JSONParseMaxRetries)
			}
			c.logger.Warn("JSONとして解析できない応答のため再生成します", "model", model)
			continue
		}

		return resp, nil
	}
}

func (c *Client) generateWithRetry(ctx context.Context, model string, req kg.CompletionRequest) (kg.CompletionResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    buildMessages(req),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSONResponse {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		}
	}

	completion, err := retryOnRateLimit(ctx, c.backoff, func() (*openai.ChatCompletion, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return c.api.New(ctx, params)
	})
	if err != nil {
		return kg.CompletionResponse{}, fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(completion.Choices) == 0 {
		return kg.CompletionResponse{}, fmt.Errorf("no completion choices returned")
	}

	return kg.CompletionResponse{
		Content:    completion.Choices[0].Message.Content,
		TokensUsed: int(completion.Usage.TotalTokens),
		Model:      string(completion.Model),
	}, nil
}

func buildMessages(req kg.CompletionRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	return append(messages, openai.UserMessage(req.Prompt))
}

func isValidJSON(s string) bool {
	var js json.RawMessage
	return json.Unmarshal([]byte(s), &js) == nil
}

// インターフェース実装の確認
var _ kg.CompletionClient = (*Client)(nil)
