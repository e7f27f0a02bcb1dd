package kg

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// EntityExtractor はチャンクからエンティティと関係を抽出する
type EntityExtractor interface {
	Extract(ctx context.Context, chunks []ChunkInput) (*Extraction, error)
}

// IngestService は抽出結果を既存のグラフへ解決・統合する
type IngestService struct {
	extractor EntityExtractor
	tx        Transactor
	logger    *slog.Logger
}

// IngestServiceOption は IngestService のオプション設定
type IngestServiceOption func(*IngestService)

// WithIngestLogger はロガーを設定する
func WithIngestLogger(logger *slog.Logger) IngestServiceOption {
	return func(s *IngestService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewIngestService は新しいIngestServiceを作成する
func NewIngestService(extractor EntityExtractor, tx Transactor, opts ...IngestServiceOption) *IngestService {
	s := &IngestService{
		extractor: extractor,
		tx:        tx,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest は1ソース分のチャンクから抽出し、グラフへ反映する
// 抽出はストアへの書き込み前にすべて完了させ、失敗時はグラフを変更しない
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) IngestResult {
	return s.ingest(ctx, req, false)
}

// Reingest はソース由来のグラフを削除してから取り込み直す
// 削除と再解決は同じトランザクションで行い、抽出に失敗した場合は既存のグラフを残す
func (s *IngestService) Reingest(ctx context.Context, req IngestRequest) IngestResult {
	return s.ingest(ctx, req, true)
}

func (s *IngestService) ingest(ctx context.Context, req IngestRequest, replace bool) IngestResult {
	if strings.TrimSpace(req.SourceType) == "" || strings.TrimSpace(req.SourceID) == "" {
		return IngestResult{Error: "sourceType and sourceId are required"}
	}

	chunks := make([]ChunkInput, len(req.Chunks))
	for i, c := range req.Chunks {
		if c.SourceTitle == "" {
			c.SourceTitle = req.SourceTitle
		}
		chunks[i] = c
	}

	extraction, err := s.extractor.Extract(ctx, chunks)
	if err != nil {
		s.logger.Error("エンティティ抽出に失敗",
			"sourceType", req.SourceType,
			"sourceId", req.SourceID,
			"error", err,
		)
		return IngestResult{Error: err.Error()}
	}

	ref := SourceRef{SourceType: req.SourceType, SourceID: req.SourceID}
	var result IngestResult
	err = s.tx.WithinTx(ctx, func(repo Repository) error {
		if replace {
			if _, err := repo.RemoveSource(ctx, ref); err != nil {
				return fmt.Errorf("failed to remove previous graph: %w", err)
			}
		}
		r, err := resolve(ctx, repo, ref, extraction)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		s.logger.Error("知識グラフの更新に失敗",
			"sourceType", req.SourceType,
			"sourceId", req.SourceID,
			"error", err,
		)
		return IngestResult{Error: err.Error()}
	}

	result.Success = true
	s.logger.Info("知識グラフを更新",
		"sourceType", req.SourceType,
		"sourceId", req.SourceID,
		"replace", replace,
		"entitiesCreated", result.EntitiesCreated,
		"entitiesUpdated", result.EntitiesUpdated,
		"relationsCreated", result.RelationsCreated,
		"relationsUpdated", result.RelationsUpdated,
	)
	return result
}

// Remove はソースに由来するリンクと、言及元を失ったエンティティ・関係を削除する
func (s *IngestService) Remove(ctx context.Context, ref SourceRef) error {
	var removed int64
	err := s.tx.WithinTx(ctx, func(repo Repository) error {
		n, err := repo.RemoveSource(ctx, ref)
		removed = n
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove source from graph: %w", err)
	}
	s.logger.Info("知識グラフからソースを削除",
		"sourceType", ref.SourceType,
		"sourceId", ref.SourceID,
		"entitiesRemoved", removed,
	)
	return nil
}

type relationKey struct {
	source, target uuid.UUID
	relationType   string
}

// resolve は抽出結果を既存エンティティへ解決し、関係を作成・強化する
func resolve(ctx context.Context, repo Repository, ref SourceRef, extraction *Extraction) (IngestResult, error) {
	var result IngestResult

	entities := slices.Clone(extraction.Entities)
	slices.SortStableFunc(entities, func(a, b ExtractedEntity) int {
		return strings.Compare(Normalize(a.Name), Normalize(b.Name))
	})

	// 名前・別名の正規化キーから解決済みIDへの対応
	ids := make(map[string]uuid.UUID)
	touched := make(map[uuid.UUID]struct{})

	for _, ext := range entities {
		key := Normalize(ext.Name)
		if key == "" {
			continue
		}

		found, err := repo.FindEntityByNormalizedName(ctx, key)
		if err != nil {
			return result, fmt.Errorf("failed to find entity %q: %w", ext.Name, err)
		}
		if found.IsAbsent() {
			found, err = repo.FindEntityByAlias(ctx, key)
			if err != nil {
				return result, fmt.Errorf("failed to find entity by alias %q: %w", ext.Name, err)
			}
		}

		var id uuid.UUID
		if existing, ok := found.Get(); ok {
			id = existing.ID
			if _, ok := ids[existing.NormalizedName]; !ok {
				ids[existing.NormalizedName] = id
			}
			for _, a := range AliasKeys(existing.Aliases) {
				if _, ok := ids[a]; !ok && a != "" {
					ids[a] = id
				}
			}
			_, seen := touched[id]

			description := existing.Description
			if len(ext.Description) > len(description) {
				description = ext.Description
			}
			incoming := ext.Aliases
			if key != existing.NormalizedName {
				incoming = append([]string{ext.Name}, ext.Aliases...)
			}
			aliases, _ := mergeAliases(existing.NormalizedName, existing.Aliases, incoming)

			if err := repo.UpdateEntity(ctx, id, description, aliases, !seen); err != nil {
				return result, fmt.Errorf("failed to update entity %q: %w", existing.Name, err)
			}
			if !seen {
				result.EntitiesUpdated++
			}
		} else {
			aliases, _ := mergeAliases(key, nil, ext.Aliases)
			created, err := repo.CreateEntity(ctx, &Entity{
				Name:           ext.Name,
				NormalizedName: key,
				Type:           ext.Type,
				Description:    ext.Description,
				Aliases:        aliases,
				MentionCount:   1,
			})
			if err != nil {
				return result, fmt.Errorf("failed to create entity %q: %w", ext.Name, err)
			}
			id = created.ID
			result.EntitiesCreated++
		}

		if err := repo.LinkEntitySource(ctx, id, ref); err != nil {
			return result, fmt.Errorf("failed to link entity source: %w", err)
		}
		touched[id] = struct{}{}

		ids[key] = id
		for _, a := range AliasKeys(ext.Aliases) {
			if _, ok := ids[a]; !ok && a != "" {
				ids[a] = id
			}
		}
	}

	// 同じ三つ組は1回の取り込みにつき強度を1だけ増やす
	evidence := make(map[relationKey]int)
	var order []relationKey
	for _, rel := range extraction.Relations {
		src, okSrc := ids[Normalize(rel.Source)]
		dst, okDst := ids[Normalize(rel.Target)]
		if !okSrc || !okDst || src == dst {
			continue
		}
		k := relationKey{source: src, target: dst, relationType: rel.Type}
		if _, ok := evidence[k]; !ok {
			order = append(order, k)
		}
		evidence[k] += max(rel.Mentions, 1)
	}

	for _, k := range order {
		found, err := repo.FindRelation(ctx, k.source, k.target, k.relationType)
		if err != nil {
			return result, fmt.Errorf("failed to find relation: %w", err)
		}
		var relationID uuid.UUID
		if existing, ok := found.Get(); ok {
			if err := repo.IncrementRelation(ctx, existing.ID, evidence[k]); err != nil {
				return result, fmt.Errorf("failed to update relation: %w", err)
			}
			relationID = existing.ID
			result.RelationsUpdated++
		} else {
			created, err := repo.CreateRelation(ctx, &Relation{
				SourceEntityID: k.source,
				TargetEntityID: k.target,
				RelationType:   k.relationType,
				Strength:       1,
				EvidenceCount:  evidence[k],
			})
			if err != nil {
				return result, fmt.Errorf("failed to create relation: %w", err)
			}
			relationID = created.ID
			result.RelationsCreated++
		}

		if err := repo.LinkRelationSource(ctx, relationID, ref); err != nil {
			return result, fmt.Errorf("failed to link relation source: %w", err)
		}
	}

	return result, nil
}
