package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/mo"

	"github.com/jinford/reading-rag/internal/core/kg"
	"github.com/jinford/reading-rag/internal/platform/database"
)

// DBTX はプールとトランザクションの共通インターフェース
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GraphStore は知識グラフを PostgreSQL に保存する
type GraphStore struct {
	db DBTX
}

var (
	_ kg.Repository     = (*GraphStore)(nil)
	_ kg.ReadRepository = (*GraphStore)(nil)
)

// NewGraphStore は新しいGraphStoreを作成する
func NewGraphStore(db DBTX) *GraphStore {
	return &GraphStore{db: db}
}

// GraphTransactor はトランザクション内の GraphStore を提供する
// 書き込みはアドバイザリロックで直列化する
type GraphTransactor struct {
	txp *database.TransactionProvider
}

var _ kg.Transactor = (*GraphTransactor)(nil)

var graphWriteLockID = database.GenerateLockID("knowledge-graph", "write")

// NewGraphTransactor は新しいGraphTransactorを作成する
func NewGraphTransactor(pool *pgxpool.Pool) *GraphTransactor {
	return &GraphTransactor{txp: database.NewTransactionProvider(pool)}
}

// WithinTx は fn をひとつのトランザクションで実行する
func (t *GraphTransactor) WithinTx(ctx context.Context, fn func(repo kg.Repository) error) error {
	_, err := database.Transact(ctx, t.txp, func(tx pgx.Tx) (struct{}, error) {
		if err := database.AcquireXactLock(ctx, tx, graphWriteLockID); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, fn(NewGraphStore(tx))
	})
	return err
}

const entityColumns = `id, name, normalized_name, type, description, aliases, mention_count, created_at, updated_at`

func scanEntity(row pgx.Row) (*kg.Entity, error) {
	var (
		e  kg.Entity
		id pgtype.UUID
	)
	if err := row.Scan(&id, &e.Name, &e.NormalizedName, &e.Type, &e.Description, &e.Aliases,
		&e.MentionCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.ID = PgtypeToUUID(id)
	return &e, nil
}

func (s *GraphStore) findEntity(ctx context.Context, query string, arg any) (mo.Option[*kg.Entity], error) {
	e, err := scanEntity(s.db.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[*kg.Entity](), nil
	}
	if err != nil {
		return mo.None[*kg.Entity](), err
	}
	return mo.Some(e), nil
}

// FindEntityByNormalizedName は正規化名が一致するエンティティを返す
func (s *GraphStore) FindEntityByNormalizedName(ctx context.Context, normalizedName string) (mo.Option[*kg.Entity], error) {
	e, err := s.findEntity(ctx, `SELECT `+entityColumns+` FROM kg_entities WHERE normalized_name = $1`, normalizedName)
	if err != nil {
		return e, fmt.Errorf("failed to find entity by name: %w", err)
	}
	return e, nil
}

// FindEntityByAlias は別名キーが一致するエンティティのうち最も古いものを返す
func (s *GraphStore) FindEntityByAlias(ctx context.Context, aliasKey string) (mo.Option[*kg.Entity], error) {
	e, err := s.findEntity(ctx, `
		SELECT `+entityColumns+`
		FROM kg_entities
		WHERE alias_keys @> ARRAY[$1::text]
		ORDER BY created_at, id
		LIMIT 1`, aliasKey)
	if err != nil {
		return e, fmt.Errorf("failed to find entity by alias: %w", err)
	}
	return e, nil
}

// CreateEntity はエンティティを作成する
func (s *GraphStore) CreateEntity(ctx context.Context, entity *kg.Entity) (*kg.Entity, error) {
	out := *entity
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	if out.Aliases == nil {
		out.Aliases = []string{}
	}
	now := time.Now()
	out.CreatedAt, out.UpdatedAt = now, now

	_, err := s.db.Exec(ctx, `
		INSERT INTO kg_entities (id, name, normalized_name, type, description, aliases, alias_keys, mention_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		UUIDToPgtype(out.ID), out.Name, out.NormalizedName, out.Type, out.Description,
		out.Aliases, kg.AliasKeys(out.Aliases), out.MentionCount, now)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, fmt.Errorf("entity %q already exists: %w", out.NormalizedName, err)
		}
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}
	return &out, nil
}

// UpdateEntity は説明と別名を更新し、必要に応じて言及数を増やす
func (s *GraphStore) UpdateEntity(ctx context.Context, id uuid.UUID, description string, aliases []string, incrementMention bool) error {
	if aliases == nil {
		aliases = []string{}
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE kg_entities
		SET description = $2,
			aliases = $3,
			alias_keys = $4,
			mention_count = mention_count + CASE WHEN $5 THEN 1 ELSE 0 END,
			updated_at = now()
		WHERE id = $1`,
		UUIDToPgtype(id), description, aliases, kg.AliasKeys(aliases), incrementMention)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return kg.ErrEntityNotFound
	}
	return nil
}

// LinkEntitySource は言及元を記録する
func (s *GraphStore) LinkEntitySource(ctx context.Context, entityID uuid.UUID, ref kg.SourceRef) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO kg_entity_sources (entity_id, source_type, source_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		UUIDToPgtype(entityID), ref.SourceType, ref.SourceID)
	if err != nil {
		return fmt.Errorf("failed to link entity source: %w", err)
	}
	return nil
}

// FindRelation は三つ組が一致する関係を返す
func (s *GraphStore) FindRelation(ctx context.Context, sourceID, targetID uuid.UUID, relationType string) (mo.Option[*kg.Relation], error) {
	var (
		r        kg.Relation
		id       pgtype.UUID
		src, dst pgtype.UUID
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, source_entity_id, target_entity_id, relation_type, strength, evidence_count, created_at, updated_at
		FROM kg_relations
		WHERE source_entity_id = $1 AND target_entity_id = $2 AND relation_type = $3`,
		UUIDToPgtype(sourceID), UUIDToPgtype(targetID), relationType).
		Scan(&id, &src, &dst, &r.RelationType, &r.Strength, &r.EvidenceCount, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[*kg.Relation](), nil
	}
	if err != nil {
		return mo.None[*kg.Relation](), fmt.Errorf("failed to find relation: %w", err)
	}
	r.ID = PgtypeToUUID(id)
	r.SourceEntityID = PgtypeToUUID(src)
	r.TargetEntityID = PgtypeToUUID(dst)
	return mo.Some(&r), nil
}

// CreateRelation は関係を作成する
func (s *GraphStore) CreateRelation(ctx context.Context, relation *kg.Relation) (*kg.Relation, error) {
	if relation.SourceEntityID == relation.TargetEntityID {
		return nil, fmt.Errorf("self-referencing relation %q is not allowed", relation.RelationType)
	}
	out := *relation
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	now := time.Now()
	out.CreatedAt, out.UpdatedAt = now, now

	_, err := s.db.Exec(ctx, `
		INSERT INTO kg_relations (id, source_entity_id, target_entity_id, relation_type, strength, evidence_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		UUIDToPgtype(out.ID), UUIDToPgtype(out.SourceEntityID), UUIDToPgtype(out.TargetEntityID),
		out.RelationType, out.Strength, out.EvidenceCount, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create relation: %w", err)
	}
	return &out, nil
}

// IncrementRelation は強度を1、根拠数を evidence だけ増やす
func (s *GraphStore) IncrementRelation(ctx context.Context, id uuid.UUID, evidence int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE kg_relations
		SET strength = strength + 1, evidence_count = evidence_count + $2, updated_at = now()
		WHERE id = $1`, UUIDToPgtype(id), evidence)
	if err != nil {
		return fmt.Errorf("failed to increment relation: %w", err)
	}
	return nil
}

// LinkRelationSource は関係の抽出元を記録する
func (s *GraphStore) LinkRelationSource(ctx context.Context, relationID uuid.UUID, ref kg.SourceRef) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO kg_relation_sources (relation_id, source_type, source_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		UUIDToPgtype(relationID), ref.SourceType, ref.SourceID)
	if err != nil {
		return fmt.Errorf("failed to link relation source: %w", err)
	}
	return nil
}

// RemoveSource はソースのリンクを削除し、リンクを失った関係とエンティティを削除する
// エンティティに接続する関係は外部キーで連鎖削除される
func (s *GraphStore) RemoveSource(ctx context.Context, ref kg.SourceRef) (int64, error) {
	rows, err := s.db.Query(ctx, `
		DELETE FROM kg_relation_sources
		WHERE source_type = $1 AND source_id = $2
		RETURNING relation_id`, ref.SourceType, ref.SourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to unlink relation source: %w", err)
	}
	relationIDs, err := collectUUIDs(rows)
	if err != nil {
		return 0, err
	}
	if len(relationIDs) > 0 {
		if _, err := s.db.Exec(ctx, `
			DELETE FROM kg_relations r
			WHERE r.id = ANY($1)
			  AND NOT EXISTS (SELECT 1 FROM kg_relation_sources s WHERE s.relation_id = r.id)`,
			UUIDsToPgtype(relationIDs)); err != nil {
			return 0, fmt.Errorf("failed to delete orphaned relations: %w", err)
		}
	}

	rows, err = s.db.Query(ctx, `
		DELETE FROM kg_entity_sources
		WHERE source_type = $1 AND source_id = $2
		RETURNING entity_id`, ref.SourceType, ref.SourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to unlink source: %w", err)
	}
	ids, err := collectUUIDs(rows)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := s.db.Exec(ctx, `
		DELETE FROM kg_entities e
		WHERE e.id = ANY($1)
		  AND NOT EXISTS (SELECT 1 FROM kg_entity_sources s WHERE s.entity_id = e.id)`,
		UUIDsToPgtype(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned entities: %w", err)
	}
	return tag.RowsAffected(), nil
}

const nodeSelect = `
	SELECT e.id, e.name, e.type, e.description, e.aliases, e.mention_count,
		(SELECT count(*) FROM kg_entity_sources s WHERE s.entity_id = e.id) AS source_count
	FROM kg_entities e`

func (s *GraphStore) queryNodes(ctx context.Context, query string, args ...any) ([]*kg.Node, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*kg.Node, error) {
		var (
			n  kg.Node
			id pgtype.UUID
		)
		if err := row.Scan(&id, &n.Name, &n.Type, &n.Description, &n.Aliases, &n.MentionCount, &n.SourceCount); err != nil {
			return nil, err
		}
		n.ID = PgtypeToUUID(id)
		return &n, nil
	})
}

// ListNodesBySource はソースに紐づくエンティティを返す
func (s *GraphStore) ListNodesBySource(ctx context.Context, ref kg.SourceRef) ([]*kg.Node, error) {
	nodes, err := s.queryNodes(ctx, nodeSelect+`
		WHERE EXISTS (
			SELECT 1 FROM kg_entity_sources s
			WHERE s.entity_id = e.id AND s.source_type = $1 AND s.source_id = $2
		)
		ORDER BY e.mention_count DESC, e.normalized_name`, ref.SourceType, ref.SourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list source entities: %w", err)
	}
	return nodes, nil
}

// TopNodes は言及数の上位エンティティを返す
func (s *GraphStore) TopNodes(ctx context.Context, limit int) ([]*kg.Node, error) {
	nodes, err := s.queryNodes(ctx, nodeSelect+`
		ORDER BY e.mention_count DESC, e.normalized_name
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list top entities: %w", err)
	}
	return nodes, nil
}

// GetNode はエンティティを1件返す
func (s *GraphStore) GetNode(ctx context.Context, id uuid.UUID) (mo.Option[*kg.Node], error) {
	nodes, err := s.queryNodes(ctx, nodeSelect+` WHERE e.id = $1`, UUIDToPgtype(id))
	if err != nil {
		return mo.None[*kg.Node](), fmt.Errorf("failed to get entity: %w", err)
	}
	if len(nodes) == 0 {
		return mo.None[*kg.Node](), nil
	}
	return mo.Some(nodes[0]), nil
}

// GetNodesByIDs はエンティティをまとめて返す
func (s *GraphStore) GetNodesByIDs(ctx context.Context, ids []uuid.UUID) ([]*kg.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	nodes, err := s.queryNodes(ctx, nodeSelect+` WHERE e.id = ANY($1)`, UUIDsToPgtype(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get entities: %w", err)
	}
	return nodes, nil
}

func (s *GraphStore) queryEdges(ctx context.Context, where string, ids []uuid.UUID) ([]*kg.Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, source_entity_id, target_entity_id, relation_type, strength, evidence_count
		FROM kg_relations
		WHERE `+where+`
		ORDER BY strength DESC, id`, UUIDsToPgtype(ids))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*kg.Edge, error) {
		var (
			e            kg.Edge
			id, src, dst pgtype.UUID
		)
		if err := row.Scan(&id, &src, &dst, &e.Type, &e.Strength, &e.EvidenceCount); err != nil {
			return nil, err
		}
		e.ID = PgtypeToUUID(id)
		e.Source = PgtypeToUUID(src)
		e.Target = PgtypeToUUID(dst)
		return &e, nil
	})
}

// ListEdgesAmong は両端が ids に含まれる関係を返す
func (s *GraphStore) ListEdgesAmong(ctx context.Context, ids []uuid.UUID) ([]*kg.Edge, error) {
	edges, err := s.queryEdges(ctx, `source_entity_id = ANY($1) AND target_entity_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	return edges, nil
}

// ListEdgesTouching は少なくとも片端が ids に含まれる関係を返す
func (s *GraphStore) ListEdgesTouching(ctx context.Context, ids []uuid.UUID) ([]*kg.Edge, error) {
	edges, err := s.queryEdges(ctx, `source_entity_id = ANY($1) OR target_entity_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list adjacent relations: %w", err)
	}
	return edges, nil
}

// SearchNodes は名前・別名の部分一致で検索する
func (s *GraphStore) SearchNodes(ctx context.Context, query, entityType string, limit int) ([]*kg.Node, error) {
	pattern := "%" + escapeLike(query) + "%"
	nodes, err := s.queryNodes(ctx, nodeSelect+`
		WHERE (e.normalized_name LIKE $2 OR EXISTS (SELECT 1 FROM unnest(e.alias_keys) k WHERE k LIKE $2))
		  AND ($3::text = '' OR e.type = $3)
		ORDER BY (e.normalized_name = $1 OR e.alias_keys @> ARRAY[$1::text]) DESC,
			e.mention_count DESC,
			e.normalized_name
		LIMIT $4`, query, pattern, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search entities: %w", err)
	}
	return nodes, nil
}

// Stats は知識グラフ全体の件数を返す
func (s *GraphStore) Stats(ctx context.Context) (*kg.Stats, error) {
	stats := &kg.Stats{EntitiesByType: map[string]int{}}
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM kg_entities),
			(SELECT count(*) FROM kg_relations),
			(SELECT count(*) FROM (SELECT DISTINCT source_type, source_id FROM kg_entity_sources) src)`).
		Scan(&stats.EntityCount, &stats.RelationCount, &stats.SourceCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count graph: %w", err)
	}

	rows, err := s.db.Query(ctx, `SELECT type, count(*) FROM kg_entities GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entity types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ   string
			count int
		)
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("failed to scan entity type count: %w", err)
		}
		stats.EntitiesByType[typ] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count entity types: %w", err)
	}
	return stats, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
