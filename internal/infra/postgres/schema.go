package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jinford/reading-rag/internal/core/ingestion"
	"github.com/jinford/reading-rag/internal/platform/database"
)

const (
	// VectorMetric はベクトルインデックスの距離関数
	VectorMetric = "cosine"
	// maxHNSWDimension は pgvector の HNSW が扱える最大次元
	maxHNSWDimension = 2000
)

var baseSchema = []string{
	`CREATE TABLE IF NOT EXISTS chunks (
		id UUID PRIMARY KEY,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		embedding_model TEXT,
		embedding_status TEXT NOT NULL DEFAULT 'pending'
			CHECK (embedding_status IN ('pending', 'done', 'failed')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (source_type, source_id, chunk_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_status_created ON chunks (embedding_status, created_at)`,
	`CREATE TABLE IF NOT EXISTS source_documents (
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		search_vector TSVECTOR GENERATED ALWAYS AS (
			setweight(to_tsvector('simple', coalesce(title, '')), 'A') ||
			setweight(to_tsvector('simple', content), 'B')
		) STORED,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (source_type, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_source_documents_search ON source_documents USING GIN (search_vector)`,
	`CREATE TABLE IF NOT EXISTS kg_entities (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		normalized_name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		aliases TEXT[] NOT NULL DEFAULT '{}',
		alias_keys TEXT[] NOT NULL DEFAULT '{}',
		mention_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kg_entities_alias_keys ON kg_entities USING GIN (alias_keys)`,
	`CREATE INDEX IF NOT EXISTS idx_kg_entities_mentions ON kg_entities (mention_count DESC)`,
	`CREATE TABLE IF NOT EXISTS kg_relations (
		id UUID PRIMARY KEY,
		source_entity_id UUID NOT NULL REFERENCES kg_entities(id) ON DELETE CASCADE,
		target_entity_id UUID NOT NULL REFERENCES kg_entities(id) ON DELETE CASCADE,
		relation_type TEXT NOT NULL,
		strength INTEGER NOT NULL DEFAULT 1,
		evidence_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (source_entity_id, target_entity_id, relation_type),
		CHECK (source_entity_id <> target_entity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kg_relations_target ON kg_relations (target_entity_id)`,
	`CREATE TABLE IF NOT EXISTS kg_entity_sources (
		entity_id UUID NOT NULL REFERENCES kg_entities(id) ON DELETE CASCADE,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (entity_id, source_type, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kg_entity_sources_source ON kg_entity_sources (source_type, source_id)`,
	`CREATE TABLE IF NOT EXISTS kg_relation_sources (
		relation_id UUID NOT NULL REFERENCES kg_relations(id) ON DELETE CASCADE,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (relation_id, source_type, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kg_relation_sources_source ON kg_relation_sources (source_type, source_id)`,
	`CREATE TABLE IF NOT EXISTS vector_index_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		dimension INTEGER NOT NULL,
		metric TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema はテーブルを作成し、ベクトルテーブルの次元・距離関数を検証する
// 不一致の場合はベクトルテーブルを作り直し、完了済みチャンクを pending に戻す
// ベクトル拡張が使えない場合はベクトル操作を無効化して続行する
func (s *IndexStore) EnsureSchema(ctx context.Context) (*ingestion.MigrationReport, error) {
	report := &ingestion.MigrationReport{Dimension: s.dimension}

	for _, stmt := range baseSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if s.dimension <= 0 {
		s.vectorAvailable.Store(false)
		s.logger.Warn("Embedding次元が未設定のためベクトル検索を無効化します")
		return report, nil
	}

	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		s.vectorAvailable.Store(false)
		if isExtensionUnavailable(err) {
			s.logger.Warn("pgvector拡張が利用できないためベクトル検索を無効化します", "error", err)
			return report, nil
		}
		s.logger.Warn("pgvector拡張の作成に失敗。ベクトル検索を無効化します", "error", err)
		return report, nil
	}

	current, err := s.currentVectorColumn(ctx)
	if err != nil {
		return nil, err
	}

	want := fmt.Sprintf("vector(%d)", s.dimension)
	if current.exists && current.columnType == want && current.metric == VectorMetric {
		s.vectorAvailable.Store(true)
		report.VectorAvailable = true
		return report, nil
	}

	reset, err := database.Transact(ctx, s.txp, func(tx pgx.Tx) (int64, error) {
		return s.rebuildVectorTable(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to migrate vector table: %w", err)
	}

	s.vectorAvailable.Store(true)
	report.VectorAvailable = true
	report.ChunksReset = reset
	report.VectorsReset = current.exists || reset > 0
	if current.exists {
		s.logger.Warn("ベクトルの次元または距離関数が変わったためベクトルを再生成します",
			"from", current.columnType,
			"fromMetric", current.metric,
			"to", want,
			"chunksReset", reset,
		)
	}
	return report, nil
}

type vectorColumn struct {
	exists     bool
	columnType string
	metric     string
}

func (s *IndexStore) currentVectorColumn(ctx context.Context) (vectorColumn, error) {
	var col vectorColumn
	err := s.pool.QueryRow(ctx, `
		SELECT format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass('chunk_vectors')
		  AND a.attname = 'embedding'
		  AND NOT a.attisdropped`).Scan(&col.columnType)
	if errors.Is(err, pgx.ErrNoRows) {
		return col, nil
	}
	if err != nil {
		return col, fmt.Errorf("failed to inspect vector column: %w", err)
	}
	col.exists = true

	err = s.pool.QueryRow(ctx, `SELECT metric FROM vector_index_meta WHERE id = 1`).Scan(&col.metric)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return col, fmt.Errorf("failed to read vector index meta: %w", err)
	}
	return col, nil
}

// rebuildVectorTable は chunk_vectors を作り直し、リセットしたチャンク数を返す
func (s *IndexStore) rebuildVectorTable(ctx context.Context, tx pgx.Tx) (int64, error) {
	if _, err := tx.Exec(ctx, `DROP TABLE IF EXISTS chunk_vectors`); err != nil {
		return 0, fmt.Errorf("failed to drop vector table: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE chunks
		SET embedding_status = 'pending', embedding_model = NULL, updated_at = now()
		WHERE embedding_status = 'done'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset chunk status: %w", err)
	}

	create := fmt.Sprintf(`CREATE TABLE chunk_vectors (
		chunk_id UUID PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
		embedding vector(%d) NOT NULL
	)`, s.dimension)
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, fmt.Errorf("failed to create vector table: %w", err)
	}

	if s.dimension <= maxHNSWDimension {
		if _, err := tx.Exec(ctx, `CREATE INDEX idx_chunk_vectors_hnsw ON chunk_vectors USING hnsw (embedding vector_cosine_ops)`); err != nil {
			return 0, fmt.Errorf("failed to create vector index: %w", err)
		}
	} else {
		s.logger.Info("次元がHNSWの上限を超えるため近傍探索は全件走査になります", "dimension", s.dimension)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO vector_index_meta (id, dimension, metric, updated_at)
		VALUES (1, $1, $2, now())
		ON CONFLICT (id) DO UPDATE SET dimension = EXCLUDED.dimension, metric = EXCLUDED.metric, updated_at = now()`,
		s.dimension, VectorMetric); err != nil {
		return 0, fmt.Errorf("failed to record vector index meta: %w", err)
	}

	return tag.RowsAffected(), nil
}
