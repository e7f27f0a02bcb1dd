package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jinford/reading-rag/internal/core/ingestion"
	"github.com/jinford/reading-rag/internal/core/ingestion/chunk"
	"github.com/jinford/reading-rag/internal/core/kg"
	"github.com/jinford/reading-rag/internal/core/search"
	"github.com/jinford/reading-rag/internal/infra/filesource"
	"github.com/jinford/reading-rag/internal/infra/git"
	"github.com/jinford/reading-rag/internal/infra/openai"
	"github.com/jinford/reading-rag/internal/infra/postgres"
	"github.com/jinford/reading-rag/internal/infra/redis"
	"github.com/jinford/reading-rag/internal/platform/config"
	"github.com/jinford/reading-rag/internal/platform/database"
)

var (
	// ErrEmbeddingNotConfigured はEmbedding用APIキーが未設定のエラー
	ErrEmbeddingNotConfigured = errors.New("embedding is not configured")
	// ErrLLMNotConfigured は知識グラフ抽出用APIキーが未設定のエラー
	ErrLLMNotConfigured = errors.New("LLM is not configured")
)

// ServiceContainer はアプリケーションの依存関係を保持する
type ServiceContainer struct {
	Config     *config.Config
	IndexStore *postgres.IndexStore
	Pipeline   *ingestion.Pipeline
	Retriever  *search.Retriever
	// KGIngest はLLMが未設定の場合 nil
	KGIngest *kg.IngestService
	KGRead   *kg.ReadService

	embeddingEnabled bool
	logger           *slog.Logger
	database         *database.DB
	redis            *goredis.Client
}

type containerOptions struct {
	logger           *slog.Logger
	embedder         embedder
	completionClient kg.CompletionClient
	redisClient      *goredis.Client
}

// embedder は Pipeline と Retriever の両方が要求するEmbedding実装
type embedder interface {
	ingestion.Embedder
	search.Embedder
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する
func WithContainerEmbedder(e embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = e
	}
}

// WithContainerCompletionClient は知識グラフ抽出用の LLM クライアントを差し替える
func WithContainerCompletionClient(client kg.CompletionClient) ContainerOption {
	return func(opts *containerOptions) {
		opts.completionClient = client
	}
}

// WithContainerRedis は検索結果キャッシュ用の Redis クライアントを注入する
func WithContainerRedis(client *goredis.Client) ContainerOption {
	return func(opts *containerOptions) {
		opts.redisClient = client
	}
}

// NewContainer は設定からコンテナを生成する
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	options := resolveOptions(opts)
	if options.redisClient == nil && cfg.Redis.Addr != "" {
		client, err := redis.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			// キャッシュなしで続行する
			options.logger.Warn("Redisに接続できないため検索キャッシュを無効化します", "addr", cfg.Redis.Addr, "error", err)
		} else {
			opts = append(opts, WithContainerRedis(client))
		}
	}

	c, err := NewContainerWithDB(cfg, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func resolveOptions(opts []ContainerOption) containerOptions {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	return options
}

// NewContainerWithDB は既存の DB を受け取りコンテナを生成する
func NewContainerWithDB(cfg *config.Config, db *database.DB, opts ...ContainerOption) (*ServiceContainer, error) {
	options := resolveOptions(opts)
	logger := options.logger

	// Embedder (OpenAI)。APIキーがなければ縮退モード
	var emb embedder
	if options.embedder != nil {
		emb = options.embedder
	} else if ec, ok := cfg.EmbeddingConfig().Get(); ok {
		e, err := openai.NewEmbedder(ec.APIKey,
			openai.WithEmbeddingModel(ec.Model),
			openai.WithEmbeddingDimension(ec.Dimensions),
			openai.WithEmbeddingBaseURL(ec.BaseURL),
			openai.WithMaxParallelCalls(ec.MaxParallelCalls),
			openai.WithEmbedderLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("Embedder 初期化に失敗しました: %w", err)
		}
		emb = e
	} else {
		logger.Warn("Embedding APIキーが未設定のためベクトル検索を無効化します")
	}

	// Index Store (PostgreSQL)
	dimension := 0
	if emb != nil {
		dimension = cfg.Embedding.Dimensions
	}
	store := postgres.NewIndexStore(db.Pool, dimension, logger)

	// 検索結果キャッシュ (Redis)
	var cache *redis.ResultCache
	if options.redisClient != nil {
		cache = redis.NewResultCache(options.redisClient,
			redis.WithTTL(cfg.Redis.TTL),
			redis.WithCacheLogger(logger),
		)
	}

	pipelineOpts := []ingestion.PipelineOption{
		ingestion.WithPipelineLogger(logger),
		ingestion.WithChunkConfig(chunk.Config{
			TargetTokens:  cfg.Chunk.TargetTokens,
			MinTokens:     cfg.Chunk.MinTokens,
			OverlapTokens: cfg.Chunk.OverlapTokens,
		}),
	}
	retrieverOpts := []search.RetrieverOption{search.WithRetrieverLogger(logger)}
	if cache != nil {
		pipelineOpts = append(pipelineOpts, ingestion.WithScoreInvalidator(cache))
		retrieverOpts = append(retrieverOpts, search.WithResultCache(cache))
	}

	// インターフェースに型付き nil を渡さない
	var (
		ingestEmbedder ingestion.Embedder
		searchEmbedder search.Embedder
	)
	if emb != nil {
		ingestEmbedder = emb
		searchEmbedder = emb
	}
	pipeline := ingestion.NewPipeline(store, ingestEmbedder, pipelineOpts...)
	retriever := search.NewRetriever(store, searchEmbedder, retrieverOpts...)

	// Knowledge Graph
	kgIngest, err := newKGIngestService(cfg, db, options.completionClient, logger)
	if err != nil {
		return nil, err
	}
	kgRead := kg.NewReadService(postgres.NewGraphStore(db.Pool), logger)

	return &ServiceContainer{
		Config:           cfg,
		IndexStore:       store,
		Pipeline:         pipeline,
		Retriever:        retriever,
		KGIngest:         kgIngest,
		KGRead:           kgRead,
		embeddingEnabled: emb != nil,
		logger:           logger,
		database:         db,
		redis:            options.redisClient,
	}, nil
}

func newKGIngestService(cfg *config.Config, db *database.DB, client kg.CompletionClient, logger *slog.Logger) (*kg.IngestService, error) {
	if client == nil {
		if cfg.LLM.APIKey == "" {
			return nil, nil
		}
		c, err := openai.NewClient(cfg.LLM.APIKey,
			openai.WithModel(cfg.LLMModel(cfg.LLM.ExtractionTask)),
			openai.WithBaseURL(cfg.LLM.BaseURL),
			openai.WithRequestsPerMinute(cfg.LLM.RequestsPerMinute),
			openai.WithClientLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("LLMクライアント初期化に失敗しました: %w", err)
		}
		client = c
	}

	extractorOpts := []kg.ExtractorOption{kg.WithExtractorLogger(logger)}
	if counter, err := newTokenCounter(); err != nil {
		// エンコーディングを取得できない場合はチャンクを切り詰めずに抽出する
		logger.Warn("TokenCounter を初期化できません", "error", err)
	} else {
		extractorOpts = append(extractorOpts, kg.WithTokenTrimmer(counter, kg.DefaultChunkTokenLimit))
	}

	extractor := kg.NewExtractor(client, cfg.LLMModel(cfg.LLM.ExtractionTask), extractorOpts...)
	return kg.NewIngestService(extractor, postgres.NewGraphTransactor(db.Pool), kg.WithIngestLogger(logger)), nil
}

// EmbeddingEnabled はEmbedderが構成されているかを返す
func (c *ServiceContainer) EmbeddingEnabled() bool {
	return c.embeddingEnabled
}

// Initialize はスキーマを作成・検証する
func (c *ServiceContainer) Initialize(ctx context.Context) (*ingestion.MigrationReport, error) {
	return c.Pipeline.Initialize(ctx)
}

// IngestGraph はインデックス済みチャンクから知識グラフを構築し直す
// ソース由来の既存グラフは同じトランザクションで置き換える
func (c *ServiceContainer) IngestGraph(ctx context.Context, ref ingestion.SourceRef, title string) (kg.IngestResult, error) {
	if c.KGIngest == nil {
		return kg.IngestResult{}, ErrLLMNotConfigured
	}

	chunks, err := c.Pipeline.Chunks(ctx, ref)
	if err != nil {
		return kg.IngestResult{}, fmt.Errorf("failed to list chunks: %w", err)
	}

	inputs := make([]kg.ChunkInput, 0, len(chunks))
	for _, ch := range chunks {
		inputs = append(inputs, kg.ChunkInput{ChunkID: ch.ID.String(), Content: ch.Content})
	}

	return c.KGIngest.Reingest(ctx, kg.IngestRequest{
		SourceType:  string(ref.Type),
		SourceID:    ref.ID,
		SourceTitle: title,
		Chunks:      inputs,
	}), nil
}

// RemoveGraph はソース由来の知識グラフを削除する
func (c *ServiceContainer) RemoveGraph(ctx context.Context, ref ingestion.SourceRef) error {
	if c.KGIngest == nil {
		return ErrLLMNotConfigured
	}
	return c.KGIngest.Remove(ctx, kg.SourceRef{SourceType: string(ref.Type), SourceID: ref.ID})
}

// graphHook はバックフィルの各ソースに知識グラフ構築を適用する
func (c *ServiceContainer) graphHook() ingestion.BackfillHook {
	return func(ctx context.Context, item ingestion.CorpusItem) error {
		res, err := c.IngestGraph(ctx, item.Ref, item.Title)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("knowledge graph ingest failed: %s", res.Error)
		}
		return nil
	}
}

// FileCorpus はディレクトリ配下のファイルをコーパスとして返す
func (c *ServiceContainer) FileCorpus(dir string, sourceType ingestion.SourceType) (*filesource.Provider, error) {
	return filesource.NewProvider(dir,
		filesource.WithSourceType(sourceType),
		filesource.WithProviderLogger(c.logger),
	)
}

// GitCorpus はGitリポジトリをクローンしてコーパスとして返す。ref が空なら既定ブランチ
func (c *ServiceContainer) GitCorpus(url, ref string, sourceType ingestion.SourceType) (*git.Corpus, error) {
	if ref == "" {
		ref = c.Config.Git.DefaultBranch
	}
	client := git.NewClient(c.Config.Git.SSHKeyPath, c.Config.Git.SSHPassword, c.logger)
	return git.NewCorpus(client, url, c.Config.Git.CloneDir, ref, c.logger,
		filesource.WithSourceType(sourceType),
	)
}

// NewBackfill はコーパスに対するバックフィルを作成する。withGraph なら知識グラフも構築する
func (c *ServiceContainer) NewBackfill(provider ingestion.CorpusProvider, withGraph bool) (*ingestion.BackfillCoordinator, error) {
	opts := []ingestion.BackfillOption{
		ingestion.WithBackfillLogger(c.logger),
		ingestion.WithPendingBatchSize(c.Config.PendingBatchSize),
	}
	if withGraph {
		if c.KGIngest == nil {
			return nil, ErrLLMNotConfigured
		}
		opts = append(opts, ingestion.WithBackfillHook(c.graphHook()))
	}
	return ingestion.NewBackfillCoordinator(c.Pipeline, provider, opts...), nil
}

// Close は内部リソースを解放する
func (c *ServiceContainer) Close() {
	if c == nil {
		return
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Warn("Redis接続のクローズに失敗", "error", err)
		}
	}
	if c.database != nil {
		c.database.Close()
	}
}

// Logger はロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}
