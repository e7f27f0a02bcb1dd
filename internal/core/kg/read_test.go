package kg

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedGraph は a -> b -> c -> d -> e の鎖と、ソース2件を持つグラフを作る
func seedGraph(t *testing.T) *memGraph {
	t.Helper()
	graph := newMemGraph()
	extractor := &stubExtractor{bySource: map[string]*Extraction{
		"s1": {
			Entities: []ExtractedEntity{
				{Name: "A", Type: "concept", Aliases: []string{"Alpha"}},
				{Name: "B", Type: "concept"},
				{Name: "C", Type: "person"},
			},
			Relations: []ExtractedRelation{rel("A", "B", "next"), rel("B", "C", "next")},
		},
		"s2": {
			Entities: []ExtractedEntity{
				{Name: "A", Type: "concept"},
				{Name: "C", Type: "person"},
				{Name: "D", Type: "person"},
				{Name: "E", Type: "place"},
			},
			Relations: []ExtractedRelation{rel("C", "D", "next"), rel("D", "E", "next")},
		},
	}}
	svc := NewIngestService(extractor, graph, WithIngestLogger(discardLogger()))
	require.True(t, svc.Ingest(context.Background(), ingestReq("s1")).Success)
	require.True(t, svc.Ingest(context.Background(), ingestReq("s2")).Success)
	return graph
}

func nodeNames(nodes []*Node) []string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	return names
}

func TestReadService_GetArticleGraph(t *testing.T) {
	graph := seedGraph(t)
	svc := NewReadService(graph, discardLogger())

	g := svc.GetArticleGraph(context.Background(), SourceRef{SourceType: "article", SourceID: "s1"})
	assert.ElementsMatch(t, []string{"A", "B", "C"}, nodeNames(g.Nodes))
	assert.Len(t, g.Edges, 2)

	for _, n := range g.Nodes {
		switch n.Name {
		case "A", "C":
			assert.Equal(t, 2, n.SourceCount, n.Name)
		case "B":
			assert.Equal(t, 1, n.SourceCount)
		}
	}
}

func TestReadService_GetArticleGraph_EmptySourceSkipsEdgeQuery(t *testing.T) {
	graph := seedGraph(t)
	svc := NewReadService(graph, discardLogger())
	before := graph.edgeQueries

	g := svc.GetArticleGraph(context.Background(), SourceRef{SourceType: "article", SourceID: "missing"})
	assert.Empty(t, g.Nodes)
	assert.NotNil(t, g.Edges)
	assert.Empty(t, g.Edges)
	assert.Equal(t, before, graph.edgeQueries)
}

func TestReadService_GetOverview(t *testing.T) {
	graph := seedGraph(t)
	svc := NewReadService(graph, discardLogger())

	g := svc.GetOverview(context.Background(), 2)
	assert.ElementsMatch(t, []string{"A", "C"}, nodeNames(g.Nodes))
	assert.Empty(t, g.Edges)

	g = svc.GetOverview(context.Background(), 0)
	assert.Len(t, g.Nodes, 5)
	assert.Len(t, g.Edges, 4)
}

func TestReadService_GetSubgraph(t *testing.T) {
	graph := seedGraph(t)
	svc := NewReadService(graph, discardLogger())
	a := graph.entityByName("a")

	g := svc.GetSubgraph(context.Background(), a.ID, 1)
	assert.Equal(t, []string{"A", "B"}, nodeNames(g.Nodes))
	assert.Len(t, g.Edges, 1)

	g = svc.GetSubgraph(context.Background(), a.ID, 2)
	assert.Equal(t, []string{"A", "B", "C"}, nodeNames(g.Nodes))
	assert.Len(t, g.Edges, 2)

	// 深さは上限で打ち切られる
	g = svc.GetSubgraph(context.Background(), a.ID, 10)
	assert.Equal(t, []string{"A", "B", "C", "D"}, nodeNames(g.Nodes))
	assert.Len(t, g.Edges, 3)
}

func TestReadService_GetSubgraph_IncludesEdgesBetweenLastHopNodes(t *testing.T) {
	graph := newMemGraph()
	triangle := &Extraction{
		Entities: []ExtractedEntity{
			{Name: "A", Type: "concept"},
			{Name: "B", Type: "concept"},
			{Name: "C", Type: "concept"},
		},
		Relations: []ExtractedRelation{rel("A", "B", "next"), rel("A", "C", "next"), rel("B", "C", "next")},
	}
	ingest := NewIngestService(&stubExtractor{bySource: map[string]*Extraction{"t": triangle}}, graph, WithIngestLogger(discardLogger()))
	require.True(t, ingest.Ingest(context.Background(), ingestReq("t")).Success)

	svc := NewReadService(graph, discardLogger())
	g := svc.GetSubgraph(context.Background(), graph.entityByName("a").ID, 1)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, nodeNames(g.Nodes))
	assert.Len(t, g.Edges, 3)
}

func TestReadService_GetSubgraph_UnknownEntity(t *testing.T) {
	svc := NewReadService(seedGraph(t), discardLogger())

	g := svc.GetSubgraph(context.Background(), uuid.New(), 2)
	assert.Empty(t, g.Nodes)
	assert.Empty(t, g.Edges)
}

func TestReadService_GetSubgraph_CapsNodeCount(t *testing.T) {
	graph := newMemGraph()
	hub := &Extraction{Entities: []ExtractedEntity{{Name: "hub", Type: "x"}}}
	for i := range MaxSubgraphNodes + 20 {
		name := fmt.Sprintf("leaf-%03d", i)
		hub.Entities = append(hub.Entities, ExtractedEntity{Name: name, Type: "x"})
		hub.Relations = append(hub.Relations, rel("hub", name, "links"))
	}
	svc := NewIngestService(&stubExtractor{bySource: map[string]*Extraction{"h": hub}}, graph, WithIngestLogger(discardLogger()))
	require.True(t, svc.Ingest(context.Background(), ingestReq("h")).Success)

	read := NewReadService(graph, discardLogger())
	g := read.GetSubgraph(context.Background(), graph.entityByName("hub").ID, 1)
	assert.Len(t, g.Nodes, MaxSubgraphNodes)
	assert.Len(t, g.Edges, MaxSubgraphNodes-1)
}

func TestReadService_SearchEntities(t *testing.T) {
	graph := seedGraph(t)
	svc := NewReadService(graph, discardLogger())

	got := svc.SearchEntities(context.Background(), "  alpha ", "")
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Name)

	got = svc.SearchEntities(context.Background(), "c", "person")
	assert.Equal(t, []string{"C"}, nodeNames(got))

	assert.Empty(t, svc.SearchEntities(context.Background(), "", ""))
	assert.Empty(t, svc.SearchEntities(context.Background(), "zzz", ""))
}

func TestReadService_GetStats(t *testing.T) {
	svc := NewReadService(seedGraph(t), discardLogger())

	stats := svc.GetStats(context.Background())
	assert.Equal(t, 5, stats.EntityCount)
	assert.Equal(t, 4, stats.RelationCount)
	assert.Equal(t, 2, stats.SourceCount)
	assert.Equal(t, map[string]int{"concept": 2, "person": 2, "place": 1}, stats.EntitiesByType)
}
