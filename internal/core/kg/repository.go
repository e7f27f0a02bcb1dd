package kg

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// ErrEntityNotFound は指定したエンティティが存在しない場合のエラー
var ErrEntityNotFound = errors.New("entity not found")

// Repository は知識グラフの書き込み操作
type Repository interface {
	// FindEntityByNormalizedName は正規化名が一致するエンティティを返す
	FindEntityByNormalizedName(ctx context.Context, normalizedName string) (mo.Option[*Entity], error)
	// FindEntityByAlias は別名の正規化キーが一致するエンティティのうち最も古いものを返す
	FindEntityByAlias(ctx context.Context, aliasKey string) (mo.Option[*Entity], error)
	CreateEntity(ctx context.Context, entity *Entity) (*Entity, error)
	// UpdateEntity は説明と別名を更新し、incrementMention が true なら言及数を1増やす
	UpdateEntity(ctx context.Context, id uuid.UUID, description string, aliases []string, incrementMention bool) error
	// LinkEntitySource は言及元を記録する。既に存在する場合は何もしない
	LinkEntitySource(ctx context.Context, entityID uuid.UUID, ref SourceRef) error

	FindRelation(ctx context.Context, sourceID, targetID uuid.UUID, relationType string) (mo.Option[*Relation], error)
	CreateRelation(ctx context.Context, relation *Relation) (*Relation, error)
	// IncrementRelation は強度を1、根拠数を evidence だけ増やす
	IncrementRelation(ctx context.Context, id uuid.UUID, evidence int) error
	// LinkRelationSource は関係の抽出元を記録する。既に存在する場合は何もしない
	LinkRelationSource(ctx context.Context, relationID uuid.UUID, ref SourceRef) error

	// RemoveSource はソースのリンクを削除し、リンクを失ったエンティティと関係を削除する
	RemoveSource(ctx context.Context, ref SourceRef) (int64, error)
}

// Transactor はトランザクション内で Repository を提供する
type Transactor interface {
	WithinTx(ctx context.Context, fn func(repo Repository) error) error
}

// ReadRepository は知識グラフの読み出し操作
// 返す Node の SourceCount は言及元リンクから集計する
type ReadRepository interface {
	ListNodesBySource(ctx context.Context, ref SourceRef) ([]*Node, error)
	TopNodes(ctx context.Context, limit int) ([]*Node, error)
	GetNode(ctx context.Context, id uuid.UUID) (mo.Option[*Node], error)
	GetNodesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Node, error)
	// ListEdgesAmong は両端が ids に含まれる関係を返す
	ListEdgesAmong(ctx context.Context, ids []uuid.UUID) ([]*Edge, error)
	// ListEdgesTouching は少なくとも片端が ids に含まれる関係を返す
	ListEdgesTouching(ctx context.Context, ids []uuid.UUID) ([]*Edge, error)
	// SearchNodes は名前・別名の部分一致で検索する。完全一致を優先し、以降は言及数の降順
	SearchNodes(ctx context.Context, query, entityType string, limit int) ([]*Node, error)
	Stats(ctx context.Context) (*Stats, error)
}
