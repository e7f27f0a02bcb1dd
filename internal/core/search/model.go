package search

import (
	"github.com/google/uuid"
)

// Mode は検索経路の選択
type Mode string

const (
	ModeHybrid  Mode = "hybrid"
	ModeVector  Mode = "vector"
	ModeKeyword Mode = "keyword"
)

// ParseMode は文字列から Mode を返す。未知の値は hybrid 扱い
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeVector:
		return ModeVector
	case ModeKeyword:
		return ModeKeyword
	default:
		return ModeHybrid
	}
}

func (m Mode) useVector() bool  { return m == ModeHybrid || m == ModeVector }
func (m Mode) useKeyword() bool { return m == ModeHybrid || m == ModeKeyword }

// Filter は検索結果の絞り込み条件。空のフィールドは条件なし
type Filter struct {
	SourceTypes []string `json:"sourceTypes,omitempty"`
	SourceIDs   []string `json:"sourceIDs,omitempty"`
	Partition   string   `json:"partition,omitempty"`
}

// IsEmpty は絞り込み条件がないかを返す
func (f Filter) IsEmpty() bool {
	return len(f.SourceTypes) == 0 && len(f.SourceIDs) == 0 && f.Partition == ""
}

// Request は検索リクエスト
type Request struct {
	Query  string `json:"query"`
	TopK   int    `json:"topK"`
	Filter Filter `json:"filter"`
	Mode   Mode   `json:"mode"`
}

// Result は検索結果1件
type Result struct {
	ChunkID    uuid.UUID      `json:"chunkID"`
	Content    string         `json:"content"`
	Score      float64        `json:"score"`
	SourceType string         `json:"sourceType"`
	SourceID   string         `json:"sourceID"`
	ChunkIndex int            `json:"chunkIndex"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Neighbor はKNN検索の候補
type Neighbor struct {
	ChunkID  uuid.UUID
	Distance float64
}

// DocumentRef は全文検索でヒットしたソース
type DocumentRef struct {
	SourceType string
	SourceID   string
}

// ChunkRecord は結果組み立てに使うチャンク本体
type ChunkRecord struct {
	ID         uuid.UUID
	SourceType string
	SourceID   string
	ChunkIndex int
	Content    string
	Metadata   map[string]any
}
