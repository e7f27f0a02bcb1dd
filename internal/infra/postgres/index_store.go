package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/reading-rag/internal/core/ingestion"
	"github.com/jinford/reading-rag/internal/core/search"
	"github.com/jinford/reading-rag/internal/platform/database"
)

// IndexStore はチャンク・ベクトル・ソース本文を PostgreSQL に保存する
type IndexStore struct {
	pool            *pgxpool.Pool
	txp             *database.TransactionProvider
	dimension       int
	vectorAvailable atomic.Bool
	logger          *slog.Logger
}

var (
	_ ingestion.IndexStore = (*IndexStore)(nil)
	_ search.Repository    = (*IndexStore)(nil)
)

// NewIndexStore は新しいIndexStoreを作成する
// dimension が 0 以下の場合ベクトル操作は無効になる
func NewIndexStore(pool *pgxpool.Pool, dimension int, logger *slog.Logger) *IndexStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexStore{
		pool:      pool,
		txp:       database.NewTransactionProvider(pool),
		dimension: dimension,
		logger:    logger,
	}
}

// VectorIndexAvailable はベクトル操作が可能かを返す
func (s *IndexStore) VectorIndexAvailable() bool {
	return s.vectorAvailable.Load()
}

const chunkColumns = `id, source_type, source_id, chunk_index, content, token_count, metadata,
	embedding_model, embedding_status, created_at, updated_at`

func scanChunk(row pgx.CollectableRow) (*ingestion.Chunk, error) {
	var (
		c        ingestion.Chunk
		id       pgtype.UUID
		srcType  string
		model    pgtype.Text
		status   string
		metadata map[string]any
	)
	if err := row.Scan(&id, &srcType, &c.SourceID, &c.ChunkIndex, &c.Content, &c.TokenCount, &metadata,
		&model, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ID = PgtypeToUUID(id)
	c.SourceType = ingestion.SourceType(srcType)
	c.Metadata = metadata
	c.EmbeddingModel = PgtextToStringPtr(model)
	c.EmbeddingStatus = ingestion.EmbeddingStatus(status)
	return &c, nil
}

// CreateChunk はチャンクを1件作成する
func (s *IndexStore) CreateChunk(ctx context.Context, chunk *ingestion.Chunk) error {
	return s.BatchCreateChunks(ctx, []*ingestion.Chunk{chunk})
}

// BatchCreateChunks はチャンクを1トランザクションで作成する
func (s *IndexStore) BatchCreateChunks(ctx context.Context, chunks []*ingestion.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	_, err := database.Transact(ctx, s.txp, func(tx pgx.Tx) (struct{}, error) {
		now := time.Now()
		batch := &pgx.Batch{}
		for _, c := range chunks {
			metadata := c.Metadata
			if metadata == nil {
				metadata = map[string]any{}
			}
			status := c.EmbeddingStatus
			if status == "" {
				status = ingestion.EmbeddingStatusPending
			}
			batch.Queue(`
				INSERT INTO chunks (id, source_type, source_id, chunk_index, content, token_count, metadata,
					embedding_model, embedding_status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
				UUIDToPgtype(c.ID), string(c.SourceType), c.SourceID, c.ChunkIndex, c.Content, c.TokenCount,
				metadata, StringPtrToPgtext(c.EmbeddingModel), string(status), now)
		}
		return struct{}{}, sendBatch(ctx, tx, batch)
	})
	if err != nil {
		return fmt.Errorf("failed to create chunks: %w", err)
	}
	return nil
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	br := tx.SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}

// ListChunksBySource はソースのチャンクを chunk_index 順に返す
func (s *IndexStore) ListChunksBySource(ctx context.Context, ref ingestion.SourceRef) ([]*ingestion.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE source_type = $1 AND source_id = $2
		ORDER BY chunk_index`, string(ref.Type), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, scanChunk)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunks: %w", err)
	}
	return chunks, nil
}

// ListPendingChunks は作成順に pending のチャンクを返す
func (s *IndexStore) ListPendingChunks(ctx context.Context, limit int) ([]*ingestion.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE embedding_status = 'pending'
		ORDER BY created_at, source_type, source_id, chunk_index
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending chunks: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, scanChunk)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending chunks: %w", err)
	}
	return chunks, nil
}

// UpdateEmbeddingStatus はチャンクのEmbedding状態をまとめて更新する
func (s *IndexStore) UpdateEmbeddingStatus(ctx context.Context, ids []uuid.UUID, status ingestion.EmbeddingStatus, model *string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE chunks
		SET embedding_status = $2, embedding_model = $3, updated_at = now()
		WHERE id = ANY($1)`,
		UUIDsToPgtype(ids), string(status), StringPtrToPgtext(model))
	if err != nil {
		return fmt.Errorf("failed to update embedding status: %w", err)
	}
	return nil
}

// MarkSourcePendingAsFailed はソースの pending チャンクを failed にする
func (s *IndexStore) MarkSourcePendingAsFailed(ctx context.Context, ref ingestion.SourceRef) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chunks
		SET embedding_status = 'failed', updated_at = now()
		WHERE source_type = $1 AND source_id = $2 AND embedding_status = 'pending'`,
		string(ref.Type), ref.ID)
	if err != nil {
		return fmt.Errorf("failed to mark chunks as failed: %w", err)
	}
	return nil
}

// DeleteChunksBySource はソースのチャンクを削除する。ベクトルは外部キーで連鎖削除される
func (s *IndexStore) DeleteChunksBySource(ctx context.Context, ref ingestion.SourceRef) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE source_type = $1 AND source_id = $2`, string(ref.Type), ref.ID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// GetSourceStatus はソースのチャンク状態を集計する
func (s *IndexStore) GetSourceStatus(ctx context.Context, ref ingestion.SourceRef) (*ingestion.SourceIndexStatus, error) {
	var st ingestion.SourceIndexStatus
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE embedding_status = 'pending'),
			count(*) FILTER (WHERE embedding_status = 'done'),
			count(*) FILTER (WHERE embedding_status = 'failed')
		FROM chunks
		WHERE source_type = $1 AND source_id = $2`,
		string(ref.Type), ref.ID).Scan(&st.Total, &st.Pending, &st.Done, &st.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get source status: %w", err)
	}
	return &st, nil
}

// InsertVector はベクトルを1件保存する
func (s *IndexStore) InsertVector(ctx context.Context, entry ingestion.VectorEntry) error {
	return s.BatchInsertVectors(ctx, []ingestion.VectorEntry{entry})
}

// BatchInsertVectors はベクトルを1トランザクションで保存する
func (s *IndexStore) BatchInsertVectors(ctx context.Context, entries []ingestion.VectorEntry) error {
	if !s.VectorIndexAvailable() {
		return ingestion.ErrVectorIndexUnavailable
	}
	if len(entries) == 0 {
		return nil
	}

	_, err := database.Transact(ctx, s.txp, func(tx pgx.Tx) (struct{}, error) {
		batch := &pgx.Batch{}
		for _, e := range entries {
			if len(e.Embedding) != s.dimension {
				return struct{}{}, fmt.Errorf("embedding dimension mismatch for chunk %s: got %d, want %d", e.ChunkID, len(e.Embedding), s.dimension)
			}
			batch.Queue(`
				INSERT INTO chunk_vectors (chunk_id, embedding)
				VALUES ($1, $2)
				ON CONFLICT (chunk_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
				UUIDToPgtype(e.ChunkID), pgvector.NewVector(e.Embedding))
		}
		return struct{}{}, sendBatch(ctx, tx, batch)
	})
	if err != nil {
		return fmt.Errorf("failed to insert vectors: %w", err)
	}
	return nil
}

// UpsertSourceDocument は全文検索用のソース本文を保存する
func (s *IndexStore) UpsertSourceDocument(ctx context.Context, doc ingestion.SourceDocument) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO source_documents (source_type, source_id, title, content, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (source_type, source_id)
		DO UPDATE SET title = EXCLUDED.title, content = EXCLUDED.content, updated_at = now()`,
		string(doc.SourceType), doc.SourceID, doc.Title, doc.Content)
	if err != nil {
		return fmt.Errorf("failed to upsert source document: %w", err)
	}
	return nil
}

// DeleteSourceDocument はソース本文を削除する
func (s *IndexStore) DeleteSourceDocument(ctx context.Context, ref ingestion.SourceRef) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM source_documents WHERE source_type = $1 AND source_id = $2`, string(ref.Type), ref.ID)
	if err != nil {
		return fmt.Errorf("failed to delete source document: %w", err)
	}
	return nil
}

// SearchNearest はコサイン距離の昇順で k 件の候補を返す
func (s *IndexStore) SearchNearest(ctx context.Context, queryVector []float32, k int) ([]search.Neighbor, error) {
	if !s.VectorIndexAvailable() {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, embedding <=> $1 AS distance
		FROM chunk_vectors
		ORDER BY embedding <=> $1
		LIMIT $2`, pgvector.NewVector(queryVector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	neighbors, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (search.Neighbor, error) {
		var (
			id pgtype.UUID
			n  search.Neighbor
		)
		if err := row.Scan(&id, &n.Distance); err != nil {
			return n, err
		}
		n.ChunkID = PgtypeToUUID(id)
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan neighbors: %w", err)
	}
	return neighbors, nil
}

// SearchDocuments は tsquery 式でソース本文を全文検索する
func (s *IndexStore) SearchDocuments(ctx context.Context, tsQuery string, limit int) ([]search.DocumentRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_type, source_id
		FROM source_documents, to_tsquery('simple', $1) q
		WHERE search_vector @@ q
		ORDER BY ts_rank(search_vector, q) DESC, updated_at DESC, source_type, source_id
		LIMIT $2`, tsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (search.DocumentRef, error) {
		var d search.DocumentRef
		err := row.Scan(&d.SourceType, &d.SourceID)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan documents: %w", err)
	}
	return docs, nil
}

// FirstChunksOfDocuments は各ドキュメントの先頭チャンクを docs の順で返す
func (s *IndexStore) FirstChunksOfDocuments(ctx context.Context, docs []search.DocumentRef) ([]uuid.UUID, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	types := make([]string, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		types[i] = d.SourceType
		ids[i] = d.SourceID
	}

	rows, err := s.pool.Query(ctx, `
		SELECT c.id
		FROM unnest($1::text[], $2::text[]) WITH ORDINALITY AS d(source_type, source_id, ord)
		JOIN LATERAL (
			SELECT id FROM chunks
			WHERE source_type = d.source_type AND source_id = d.source_id
			ORDER BY chunk_index
			LIMIT 1
		) c ON true
		ORDER BY d.ord`, types, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get first chunks: %w", err)
	}
	return collectUUIDs(rows)
}

// FilterChunks は ids のうち filter を満たすものの集合を返す
func (s *IndexStore) FilterChunks(ctx context.Context, ids []uuid.UUID, filter search.Filter) (map[uuid.UUID]struct{}, error) {
	allowed := make(map[uuid.UUID]struct{}, len(ids))
	if len(ids) == 0 {
		return allowed, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM chunks
		WHERE id = ANY($1)
		  AND ($2::text[] IS NULL OR source_type = ANY($2))
		  AND ($3::text[] IS NULL OR source_id = ANY($3))
		  AND ($4::text = '' OR metadata->>'partition' = $4)`,
		UUIDsToPgtype(ids), nullableStrings(filter.SourceTypes), nullableStrings(filter.SourceIDs), filter.Partition)
	if err != nil {
		return nil, fmt.Errorf("failed to filter chunks: %w", err)
	}
	matched, err := collectUUIDs(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range matched {
		allowed[id] = struct{}{}
	}
	return allowed, nil
}

// GetChunksByIDs はチャンク本体を返す
func (s *IndexStore) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*search.ChunkRecord, error) {
	records := make(map[uuid.UUID]*search.ChunkRecord, len(ids))
	if len(ids) == 0 {
		return records, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, source_type, source_id, chunk_index, content, metadata
		FROM chunks
		WHERE id = ANY($1)`, UUIDsToPgtype(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*search.ChunkRecord, error) {
		var (
			rec search.ChunkRecord
			id  pgtype.UUID
		)
		if err := row.Scan(&id, &rec.SourceType, &rec.SourceID, &rec.ChunkIndex, &rec.Content, &rec.Metadata); err != nil {
			return nil, err
		}
		rec.ID = PgtypeToUUID(id)
		return &rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunks: %w", err)
	}
	for _, rec := range list {
		records[rec.ID] = rec
	}
	return records, nil
}

func collectUUIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uuid.UUID, error) {
		var id pgtype.UUID
		if err := row.Scan(&id); err != nil {
			return uuid.Nil, err
		}
		return PgtypeToUUID(id), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ids: %w", err)
	}
	return ids, nil
}
