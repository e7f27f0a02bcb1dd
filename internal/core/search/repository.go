package search

import (
	"context"

	"github.com/google/uuid"
)

// Repository は検索に必要なデータアクセスを表すインターフェース
type Repository interface {
	// SearchNearest はコサイン距離の昇順で k 件の候補を返す。ベクトルが無効なら空
	SearchNearest(ctx context.Context, queryVector []float32, k int) ([]Neighbor, error)

	// SearchDocuments は tsquery 式でソース本文を全文検索し、一致順に返す
	SearchDocuments(ctx context.Context, tsQuery string, limit int) ([]DocumentRef, error)

	// FirstChunksOfDocuments は各ドキュメントの代表チャンクIDを docs の順で返す
	FirstChunksOfDocuments(ctx context.Context, docs []DocumentRef) ([]uuid.UUID, error)

	// FilterChunks は ids のうち filter を満たすものの集合を返す
	FilterChunks(ctx context.Context, ids []uuid.UUID, filter Filter) (map[uuid.UUID]struct{}, error)

	// GetChunksByIDs はチャンク本体を返す
	GetChunksByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*ChunkRecord, error)
}

// Embedder はクエリのEmbedding生成インターフェース
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, int, error)
}

// ResultCache は検索結果のキャッシュ
type ResultCache interface {
	Get(ctx context.Context, key string) ([]*Result, bool, error)
	Set(ctx context.Context, key string, results []*Result) error
}
