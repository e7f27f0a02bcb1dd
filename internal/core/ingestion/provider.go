package ingestion

import "context"

// CorpusItem はバックフィル対象のソース1件
type CorpusItem struct {
	Ref      SourceRef
	Title    string
	Metadata map[string]any
}

// CorpusProvider はバックフィル対象のソース一覧と本文を供給するインターフェース
// 記事ストアやファイルなど取得元ごとに実装する
type CorpusProvider interface {
	// ListSources は対象ソースを安定した順序で返す
	ListSources(ctx context.Context) ([]CorpusItem, error)
	// FetchText はソースの本文を返す
	FetchText(ctx context.Context, item CorpusItem) (string, error)
}
