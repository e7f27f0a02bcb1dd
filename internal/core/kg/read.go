package kg

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultOverviewSize は概観グラフのノード数の既定値
	DefaultOverviewSize = 50
	// MaxSubgraphDepth は部分グラフ展開の最大ホップ数
	MaxSubgraphDepth = 3
	// MaxSubgraphNodes は部分グラフのノード数の上限
	MaxSubgraphNodes = 200
	// SearchLimit はエンティティ検索の最大件数
	SearchLimit = 50
)

// ReadService は知識グラフの読み出しを提供する
// 読み出しの失敗はログに残し、空の結果として返す
type ReadService struct {
	repo   ReadRepository
	logger *slog.Logger
}

// NewReadService は新しいReadServiceを作成する
func NewReadService(repo ReadRepository, logger *slog.Logger) *ReadService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadService{repo: repo, logger: logger}
}

// GetArticleGraph はソースに紐づくエンティティと、その間の関係を返す
func (s *ReadService) GetArticleGraph(ctx context.Context, ref SourceRef) *Graph {
	nodes, err := s.repo.ListNodesBySource(ctx, ref)
	if err != nil {
		s.logger.Warn("ソースのエンティティ取得に失敗", "sourceType", ref.SourceType, "sourceId", ref.SourceID, "error", err)
		return emptyGraph()
	}
	return s.withEdgesAmong(ctx, nodes)
}

// GetOverview は言及数の上位 topN エンティティと、その間の関係を返す
func (s *ReadService) GetOverview(ctx context.Context, topN int) *Graph {
	if topN <= 0 {
		topN = DefaultOverviewSize
	}
	nodes, err := s.repo.TopNodes(ctx, topN)
	if err != nil {
		s.logger.Warn("上位エンティティの取得に失敗", "error", err)
		return emptyGraph()
	}
	return s.withEdgesAmong(ctx, nodes)
}

func (s *ReadService) withEdgesAmong(ctx context.Context, nodes []*Node) *Graph {
	if len(nodes) == 0 {
		return emptyGraph()
	}

	ids := make([]uuid.UUID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	edges, err := s.repo.ListEdgesAmong(ctx, ids)
	if err != nil {
		s.logger.Warn("関係の取得に失敗", "error", err)
		edges = nil
	}
	if edges == nil {
		edges = []*Edge{}
	}
	return &Graph{Nodes: nodes, Edges: edges}
}

// GetSubgraph は起点エンティティから depth ホップまで幅優先で展開する
func (s *ReadService) GetSubgraph(ctx context.Context, entityID uuid.UUID, depth int) *Graph {
	depth = min(max(depth, 1), MaxSubgraphDepth)

	root, err := s.repo.GetNode(ctx, entityID)
	if err != nil {
		s.logger.Warn("エンティティの取得に失敗", "entityId", entityID, "error", err)
		return emptyGraph()
	}
	rootNode, ok := root.Get()
	if !ok {
		return emptyGraph()
	}

	visited := map[uuid.UUID]struct{}{entityID: {}}
	order := []uuid.UUID{entityID}
	frontier := []uuid.UUID{entityID}

	for hop := 0; hop < depth && len(frontier) > 0 && len(order) < MaxSubgraphNodes; hop++ {
		edges, err := s.repo.ListEdgesTouching(ctx, frontier)
		if err != nil {
			s.logger.Warn("隣接関係の取得に失敗", "hop", hop+1, "error", err)
			break
		}

		var next []uuid.UUID
		for _, e := range edges {
			for _, id := range [2]uuid.UUID{e.Source, e.Target} {
				if _, ok := visited[id]; ok || len(order) >= MaxSubgraphNodes {
					continue
				}
				visited[id] = struct{}{}
				order = append(order, id)
				next = append(next, id)
			}
		}
		frontier = next
	}

	nodes := []*Node{rootNode}
	if len(order) > 1 {
		rest, err := s.repo.GetNodesByIDs(ctx, order[1:])
		if err != nil {
			s.logger.Warn("エンティティの取得に失敗", "error", err)
		}
		byID := make(map[uuid.UUID]*Node, len(rest))
		for _, n := range rest {
			byID[n.ID] = n
		}
		for _, id := range order[1:] {
			if n, ok := byID[id]; ok {
				nodes = append(nodes, n)
			}
		}
	}

	// 辺は最終的なノード集合の間で張られているものをすべて返す
	edges := []*Edge{}
	if len(nodes) > 1 {
		ids := make([]uuid.UUID, len(nodes))
		for i, n := range nodes {
			ids[i] = n.ID
		}
		among, err := s.repo.ListEdgesAmong(ctx, ids)
		if err != nil {
			s.logger.Warn("関係の取得に失敗", "error", err)
		} else if among != nil {
			edges = among
		}
	}
	return &Graph{Nodes: nodes, Edges: edges}
}

// SearchEntities は名前・別名の部分一致でエンティティを検索する
func (s *ReadService) SearchEntities(ctx context.Context, query, entityType string) []*Node {
	query = strings.TrimSpace(query)
	if query == "" {
		return []*Node{}
	}
	nodes, err := s.repo.SearchNodes(ctx, Normalize(query), strings.TrimSpace(entityType), SearchLimit)
	if err != nil {
		s.logger.Warn("エンティティ検索に失敗", "query", query, "error", err)
		return []*Node{}
	}
	if nodes == nil {
		nodes = []*Node{}
	}
	return nodes
}

// GetStats は知識グラフ全体の件数を返す
func (s *ReadService) GetStats(ctx context.Context) *Stats {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		s.logger.Warn("統計の取得に失敗", "error", err)
		return &Stats{EntitiesByType: map[string]int{}}
	}
	if stats.EntitiesByType == nil {
		stats.EntitiesByType = map[string]int{}
	}
	return stats
}
