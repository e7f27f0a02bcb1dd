package ingestion

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrVectorIndexUnavailable はベクトル拡張が使えない状態でベクトル操作を要求されたエラー
var ErrVectorIndexUnavailable = errors.New("vector index unavailable")

// IndexStore はチャンクとベクトルの永続化を担うインターフェース
// テスト時のモック用に消費者側で定義
type IndexStore interface {
	// EnsureSchema はテーブルを作成し、ベクトルの次元・距離関数の不一致を修復する
	EnsureSchema(ctx context.Context) (*MigrationReport, error)
	// VectorIndexAvailable はベクトル操作が可能かを返す
	VectorIndexAvailable() bool

	// Chunk
	BatchCreateChunks(ctx context.Context, chunks []*Chunk) error
	ListChunksBySource(ctx context.Context, ref SourceRef) ([]*Chunk, error)
	ListPendingChunks(ctx context.Context, limit int) ([]*Chunk, error)
	UpdateEmbeddingStatus(ctx context.Context, ids []uuid.UUID, status EmbeddingStatus, model *string) error
	MarkSourcePendingAsFailed(ctx context.Context, ref SourceRef) error
	DeleteChunksBySource(ctx context.Context, ref SourceRef) error
	GetSourceStatus(ctx context.Context, ref SourceRef) (*SourceIndexStatus, error)

	// Vector
	BatchInsertVectors(ctx context.Context, entries []VectorEntry) error

	// SourceDocument
	UpsertSourceDocument(ctx context.Context, doc SourceDocument) error
	DeleteSourceDocument(ctx context.Context, ref SourceRef) error
}

// Embedder はテキストのEmbedding生成インターフェース
type Embedder interface {
	// Embed は単一テキストのベクトルと消費トークン数を返す
	Embed(ctx context.Context, text string) ([]float32, int, error)
	// EmbedBatch は入力順のベクトルと合計トークン数を返す
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, int, error)
	// ModelName はモデル名を返す
	ModelName() string
}

// ScoreInvalidator はベクトルのリセット時に外部キャッシュを無効化する
type ScoreInvalidator interface {
	InvalidateScores(ctx context.Context) error
}
