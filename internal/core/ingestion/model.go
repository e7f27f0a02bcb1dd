package ingestion

import (
	"time"

	"github.com/google/uuid"
)

// SourceType はソースの種別
type SourceType string

const (
	SourceTypeArticle    SourceType = "article"
	SourceTypeBook       SourceType = "book"
	SourceTypeHighlight  SourceType = "highlight"
	SourceTypeTranscript SourceType = "transcript"
)

// Valid は既知のソース種別かどうかを返す
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeArticle, SourceTypeBook, SourceTypeHighlight, SourceTypeTranscript:
		return true
	}
	return false
}

// EmbeddingStatus はチャンクのEmbedding状態
type EmbeddingStatus string

const (
	EmbeddingStatusPending EmbeddingStatus = "pending"
	EmbeddingStatusDone    EmbeddingStatus = "done"
	EmbeddingStatusFailed  EmbeddingStatus = "failed"
)

// SourceRef はソースを一意に指す識別子
type SourceRef struct {
	Type SourceType
	ID   string
}

// Chunk は検索とEmbeddingの単位となるテキスト断片
type Chunk struct {
	ID              uuid.UUID
	SourceType      SourceType
	SourceID        string
	ChunkIndex      int
	Content         string
	TokenCount      int
	Metadata        map[string]any
	EmbeddingModel  *string
	EmbeddingStatus EmbeddingStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// VectorEntry はチャンク1件分のEmbedding
type VectorEntry struct {
	ChunkID   uuid.UUID
	Embedding []float32
}

// SourceDocument は全文検索用に保持するソース本文
type SourceDocument struct {
	SourceType SourceType
	SourceID   string
	Title      string
	Content    string
}

// SourceIndexStatus はソース単位のチャンク状態の集計
type SourceIndexStatus struct {
	Total   int
	Pending int
	Done    int
	Failed  int
}

// MigrationReport は起動時のスキーマ検証結果
type MigrationReport struct {
	VectorAvailable bool
	VectorsReset    bool
	ChunksReset     int64
	Dimension       int
}

// IngestRequest は ingest の入力
type IngestRequest struct {
	SourceType SourceType
	SourceID   string
	Text       string
	Metadata   map[string]any
}

// IngestResult は ingest の結果
type IngestResult struct {
	ChunksCreated       int
	EmbeddingsGenerated int
	TotalTokens         int
	Success             bool
	Error               string
}

// PendingResult は processPendingChunks の結果
type PendingResult struct {
	Processed   int
	Failed      int
	TotalTokens int
}
