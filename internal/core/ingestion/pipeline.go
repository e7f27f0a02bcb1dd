package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jinford/reading-rag/internal/core/ingestion/chunk"
)

// Pipeline はチャンク分割からEmbedding保存までを1ソース単位で実行する
type Pipeline struct {
	store        IndexStore
	embedder     Embedder
	chunker      *chunk.TextChunker
	invalidators []ScoreInvalidator
	logger       *slog.Logger
}

type pipelineOptions struct {
	chunkConfig  chunk.Config
	invalidators []ScoreInvalidator
	logger       *slog.Logger
}

// PipelineOption は Pipeline のオプション設定
type PipelineOption func(*pipelineOptions)

// WithPipelineLogger はロガーを設定する
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(o *pipelineOptions) {
		o.logger = logger
	}
}

// WithChunkConfig はチャンク分割設定を上書きする
func WithChunkConfig(cfg chunk.Config) PipelineOption {
	return func(o *pipelineOptions) {
		o.chunkConfig = cfg
	}
}

// WithScoreInvalidator はベクトルリセットやソース更新時に呼ぶ無効化先を追加する
func WithScoreInvalidator(inv ScoreInvalidator) PipelineOption {
	return func(o *pipelineOptions) {
		if inv != nil {
			o.invalidators = append(o.invalidators, inv)
		}
	}
}

// NewPipeline は新しいPipelineを作成する
// embedder が nil の場合はEmbeddingを行わない縮退モードで動作する
func NewPipeline(store IndexStore, embedder Embedder, opts ...PipelineOption) *Pipeline {
	options := pipelineOptions{
		chunkConfig: chunk.DefaultConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	return &Pipeline{
		store:        store,
		embedder:     embedder,
		chunker:      chunk.NewTextChunker(options.chunkConfig),
		invalidators: options.invalidators,
		logger:       options.logger,
	}
}

// Initialize はスキーマを検証し、ベクトルがリセットされた場合はスコアキャッシュを無効化する
func (p *Pipeline) Initialize(ctx context.Context) (*MigrationReport, error) {
	report, err := p.store.EnsureSchema(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	if !report.VectorAvailable {
		p.logger.Warn("ベクトル拡張が利用できないため縮退モードで動作します")
	}

	if report.VectorsReset {
		p.logger.Warn("ベクトルインデックスを再作成しました。再Embeddingが必要です",
			"dimension", report.Dimension,
			"chunksReset", report.ChunksReset,
		)
		p.invalidateScores(ctx)
	}

	return report, nil
}

// invalidateScores は登録済みのキャッシュを無効化する。失敗してもログのみ
func (p *Pipeline) invalidateScores(ctx context.Context) {
	for _, inv := range p.invalidators {
		if err := inv.InvalidateScores(ctx); err != nil {
			p.logger.Error("スコアキャッシュの無効化に失敗", "error", err)
		}
	}
}

func (p *Pipeline) embeddingEnabled() bool {
	return p.embedder != nil && p.store.VectorIndexAvailable()
}

// Ingest はソースのチャンクを全件置き換えてEmbeddingを生成する
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) IngestResult {
	ref := SourceRef{Type: req.SourceType, ID: req.SourceID}
	logger := p.logger.With("sourceType", req.SourceType, "sourceID", req.SourceID)

	if !req.SourceType.Valid() || req.SourceID == "" {
		return IngestResult{Error: fmt.Sprintf("invalid source: type=%q id=%q", req.SourceType, req.SourceID)}
	}

	// 1. 既存チャンクを全削除（差分更新はしない）
	if err := p.store.DeleteChunksBySource(ctx, ref); err != nil {
		return IngestResult{Error: fmt.Sprintf("failed to delete chunks: %v", err)}
	}
	// 旧チャンクを消した時点で検索キャッシュは古くなる
	defer p.invalidateScores(ctx)

	if err := p.store.UpsertSourceDocument(ctx, SourceDocument{
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		Title:      titleOf(req.Metadata),
		Content:    req.Text,
	}); err != nil {
		return IngestResult{Error: fmt.Sprintf("failed to store source document: %v", err)}
	}

	// 2. チャンク分割
	pieces := p.chunker.Chunk(req.Text, string(req.SourceType), req.Metadata)
	if len(pieces) == 0 {
		logger.Info("チャンクが生成されなかったためスキップ")
		return IngestResult{Success: true}
	}

	// 3. チャンク行を一括作成
	chunks := make([]*Chunk, 0, len(pieces))
	for _, piece := range pieces {
		chunks = append(chunks, &Chunk{
			ID:              uuid.New(),
			SourceType:      req.SourceType,
			SourceID:        req.SourceID,
			ChunkIndex:      piece.Index,
			Content:         piece.Content,
			TokenCount:      piece.TokenCount,
			Metadata:        piece.Metadata,
			EmbeddingStatus: EmbeddingStatusPending,
		})
	}
	if err := p.store.BatchCreateChunks(ctx, chunks); err != nil {
		return IngestResult{Error: fmt.Sprintf("failed to create chunks: %v", err)}
	}

	result := IngestResult{ChunksCreated: len(chunks), Success: true}

	// 4. ベクトルが使えなければここで終了
	if !p.embeddingEnabled() {
		logger.Info("Embeddingをスキップ（縮退モード）", "chunks", len(chunks))
		return result
	}

	// 5-7. Embedding生成と保存
	generated, tokens, err := p.embedChunks(ctx, chunks)
	if err != nil {
		if markErr := p.store.MarkSourcePendingAsFailed(ctx, ref); markErr != nil {
			logger.Error("failed への更新に失敗", "error", markErr)
		}
		logger.Warn("Embedding生成に失敗", "error", err)
		return IngestResult{
			ChunksCreated: len(chunks),
			Error:         err.Error(),
		}
	}

	result.EmbeddingsGenerated = generated
	result.TotalTokens = tokens

	logger.Info("インデックス化が完了",
		"chunks", result.ChunksCreated,
		"embeddings", result.EmbeddingsGenerated,
		"tokens", result.TotalTokens,
	)
	return result
}

// embedChunks はチャンクをEmbeddingし、ベクトル保存と done 更新まで行う
func (p *Pipeline) embedChunks(ctx context.Context, chunks []*Chunk) (int, int, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, tokens, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, 0, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(chunks))
	}

	entries := make([]VectorEntry, len(chunks))
	ids := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		entries[i] = VectorEntry{ChunkID: c.ID, Embedding: vectors[i]}
		ids[i] = c.ID
	}

	if err := p.store.BatchInsertVectors(ctx, entries); err != nil {
		return 0, 0, fmt.Errorf("failed to insert vectors: %w", err)
	}

	model := p.embedder.ModelName()
	if err := p.store.UpdateEmbeddingStatus(ctx, ids, EmbeddingStatusDone, &model); err != nil {
		return 0, 0, fmt.Errorf("failed to mark chunks done: %w", err)
	}

	return len(entries), tokens, nil
}

// ProcessPendingChunks は pending のチャンクを最大 batchSize 件まとめてEmbeddingする
// 1件でも失敗した場合は取得したバッチ全体を failed にする
func (p *Pipeline) ProcessPendingChunks(ctx context.Context, batchSize int) (*PendingResult, error) {
	if !p.embeddingEnabled() || batchSize <= 0 {
		return &PendingResult{}, nil
	}

	chunks, err := p.store.ListPendingChunks(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending chunks: %w", err)
	}
	if len(chunks) == 0 {
		return &PendingResult{}, nil
	}

	_, tokens, err := p.embedChunks(ctx, chunks)
	if err != nil {
		p.logger.Warn("pendingチャンクのEmbeddingに失敗", "count", len(chunks), "error", err)

		ids := make([]uuid.UUID, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		if markErr := p.store.UpdateEmbeddingStatus(ctx, ids, EmbeddingStatusFailed, nil); markErr != nil {
			return nil, fmt.Errorf("failed to mark chunks failed: %w", markErr)
		}
		return &PendingResult{Failed: len(chunks)}, nil
	}

	p.logger.Info("pendingチャンクを処理", "processed", len(chunks), "tokens", tokens)
	return &PendingResult{Processed: len(chunks), TotalTokens: tokens}, nil
}

// DrainPending は pending が尽きるまで ProcessPendingChunks を繰り返す
func (p *Pipeline) DrainPending(ctx context.Context, batchSize int) (*PendingResult, error) {
	total := &PendingResult{}
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := p.ProcessPendingChunks(ctx, batchSize)
		if err != nil {
			return total, err
		}
		if res.Processed == 0 && res.Failed == 0 {
			return total, nil
		}
		total.Processed += res.Processed
		total.Failed += res.Failed
		total.TotalTokens += res.TotalTokens
	}
}

// Remove はソースのチャンクと全文検索用ドキュメントを削除する。存在しなくてもエラーにしない
func (p *Pipeline) Remove(ctx context.Context, ref SourceRef) error {
	if err := p.store.DeleteChunksBySource(ctx, ref); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err := p.store.DeleteSourceDocument(ctx, ref); err != nil {
		return fmt.Errorf("failed to delete source document: %w", err)
	}
	p.invalidateScores(ctx)
	p.logger.Info("ソースを削除", "sourceType", ref.Type, "sourceID", ref.ID)
	return nil
}

// GetSourceIndexStatus はソースのチャンク状態を集計して返す
func (p *Pipeline) GetSourceIndexStatus(ctx context.Context, ref SourceRef) (*SourceIndexStatus, error) {
	status, err := p.store.GetSourceStatus(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to get source status: %w", err)
	}
	return status, nil
}

// Chunks はソースのチャンクを chunkIndex 順で返す
func (p *Pipeline) Chunks(ctx context.Context, ref SourceRef) ([]*Chunk, error) {
	return p.store.ListChunksBySource(ctx, ref)
}

func titleOf(metadata map[string]any) string {
	if title, ok := metadata["title"].(string); ok {
		return title
	}
	return ""
}
