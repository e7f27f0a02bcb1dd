package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/jinford/reading-rag/internal/core/ingestion"
	"github.com/jinford/reading-rag/internal/core/kg"
	"github.com/jinford/reading-rag/internal/core/search"
)

const snippetRunes = 80

// snippet は表示用に本文を1行に詰めて切り詰める
func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= snippetRunes {
		return s
	}
	return string(r[:snippetRunes]) + "…"
}

// renderMigration はスキーマ検証結果を表示する
func renderMigration(w io.Writer, report *ingestion.MigrationReport) {
	table := tablewriter.NewWriter(w)
	table.Header("項目", "値")
	table.Append("ベクトル拡張", fmt.Sprintf("%t", report.VectorAvailable))
	table.Append("次元数", fmt.Sprintf("%d", report.Dimension))
	table.Append("ベクトル再作成", fmt.Sprintf("%t", report.VectorsReset))
	table.Append("pendingに戻したチャンク", fmt.Sprintf("%d", report.ChunksReset))
	table.Render()
}

// renderSourceStatus はソースのチャンク状態を表示する
func renderSourceStatus(w io.Writer, ref ingestion.SourceRef, status *ingestion.SourceIndexStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Source", "Total", "Pending", "Done", "Failed")
	table.Append(
		fmt.Sprintf("%s/%s", ref.Type, ref.ID),
		fmt.Sprintf("%d", status.Total),
		fmt.Sprintf("%d", status.Pending),
		fmt.Sprintf("%d", status.Done),
		fmt.Sprintf("%d", status.Failed),
	)
	table.Render()
}

// renderSearchResults は検索結果を表示する
func renderSearchResults(w io.Writer, results []*search.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "該当する結果はありません")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("#", "Score", "Source", "Chunk", "Content")
	for i, r := range results {
		table.Append(
			fmt.Sprintf("%d", i+1),
			fmt.Sprintf("%.4f", r.Score),
			fmt.Sprintf("%s/%s", r.SourceType, r.SourceID),
			fmt.Sprintf("%d", r.ChunkIndex),
			snippet(r.Content),
		)
	}
	table.Render()
}

// renderGraph はノードとエッジを2つの表で表示する
func renderGraph(w io.Writer, g *kg.Graph) {
	if len(g.Nodes) == 0 {
		fmt.Fprintln(w, "エンティティはありません")
		return
	}

	names := make(map[string]string, len(g.Nodes))
	nodes := tablewriter.NewWriter(w)
	nodes.Header("ID", "Name", "Type", "Mentions", "Sources")
	for _, n := range g.Nodes {
		names[n.ID.String()] = n.Name
		nodes.Append(
			n.ID.String(),
			n.Name,
			n.Type,
			fmt.Sprintf("%d", n.MentionCount),
			fmt.Sprintf("%d", n.SourceCount),
		)
	}
	nodes.Render()

	if len(g.Edges) == 0 {
		return
	}

	edges := tablewriter.NewWriter(w)
	edges.Header("Source", "Relation", "Target", "Strength", "Evidence")
	for _, e := range g.Edges {
		edges.Append(
			names[e.Source.String()],
			e.Type,
			names[e.Target.String()],
			fmt.Sprintf("%d", e.Strength),
			fmt.Sprintf("%d", e.EvidenceCount),
		)
	}
	edges.Render()
}

// renderNodes はエンティティ一覧を表示する
func renderNodes(w io.Writer, nodes []*kg.Node) {
	renderGraph(w, &kg.Graph{Nodes: nodes})
}

// renderStats は知識グラフの統計を表示する
func renderStats(w io.Writer, stats *kg.Stats) {
	table := tablewriter.NewWriter(w)
	table.Header("メトリクス", "値")
	table.Append("エンティティ数", fmt.Sprintf("%d", stats.EntityCount))
	table.Append("リレーション数", fmt.Sprintf("%d", stats.RelationCount))
	table.Append("ソース数", fmt.Sprintf("%d", stats.SourceCount))
	for _, t := range slices.Sorted(maps.Keys(stats.EntitiesByType)) {
		table.Append("type: "+t, fmt.Sprintf("%d", stats.EntitiesByType[t]))
	}
	table.Render()
}

// renderBackfill はバックフィルの進捗を表示する
func renderBackfill(w io.Writer, p *ingestion.BackfillProgress) {
	table := tablewriter.NewWriter(w)
	table.Header("項目", "値")
	table.Append("対象", fmt.Sprintf("%d", p.Total))
	table.Append("成功", fmt.Sprintf("%d", p.Done))
	table.Append("失敗", fmt.Sprintf("%d", p.Failed))
	table.Append("キャンセル", fmt.Sprintf("%t", p.Cancelled))
	table.Append("Embedding済み", fmt.Sprintf("%d", p.Pending.Processed))
	table.Append("Embedding失敗", fmt.Sprintf("%d", p.Pending.Failed))
	table.Render()
}
