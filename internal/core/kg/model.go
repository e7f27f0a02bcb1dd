package kg

import (
	"time"

	"github.com/google/uuid"
)

// Entity は重複排除された概念
type Entity struct {
	ID             uuid.UUID
	Name           string
	NormalizedName string
	Type           string
	Description    string
	Aliases        []string
	MentionCount   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Relation はエンティティ間の有向・型付きの関係
type Relation struct {
	ID             uuid.UUID
	SourceEntityID uuid.UUID
	TargetEntityID uuid.UUID
	RelationType   string
	Strength       int
	EvidenceCount  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SourceRef はエンティティの言及元
type SourceRef struct {
	SourceType string
	SourceID   string
}

// ChunkInput は抽出対象のチャンク
type ChunkInput struct {
	ChunkID     string
	Content     string
	SourceTitle string
}

// ExtractedEntity はモデル出力のエンティティ1件
type ExtractedEntity struct {
	Name        string   `json:"name" validate:"required,max=200"`
	Type        string   `json:"type" validate:"required,max=100"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases" validate:"omitempty,dive,max=200"`
}

// ExtractedRelation はモデル出力の関係1件（端点は名前）
type ExtractedRelation struct {
	Source string `json:"source" validate:"required,max=200"`
	Target string `json:"target" validate:"required,max=200"`
	Type   string `json:"type" validate:"required,max=100"`
	// Mentions はマージ前に同じ三つ組が出現した回数
	Mentions int `json:"-"`
}

// Extraction は抽出結果
type Extraction struct {
	Entities  []ExtractedEntity
	Relations []ExtractedRelation
}

// Node はグラフ表示用のエンティティ。SourceCount は読み出し時に集計する
type Node struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Description  string    `json:"description"`
	Aliases      []string  `json:"aliases"`
	MentionCount int       `json:"mentionCount"`
	SourceCount  int       `json:"sourceCount"`
}

// Edge はグラフ表示用の関係
type Edge struct {
	ID            uuid.UUID `json:"id"`
	Source        uuid.UUID `json:"source"`
	Target        uuid.UUID `json:"target"`
	Type          string    `json:"type"`
	Strength      int       `json:"strength"`
	EvidenceCount int       `json:"evidenceCount"`
}

// Graph はノードとエッジの集合
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

func emptyGraph() *Graph {
	return &Graph{Nodes: []*Node{}, Edges: []*Edge{}}
}

// Stats は知識グラフ全体の集計
type Stats struct {
	EntityCount    int            `json:"entityCount"`
	RelationCount  int            `json:"relationCount"`
	SourceCount    int            `json:"sourceCount"`
	EntitiesByType map[string]int `json:"entitiesByType"`
}

// IngestRequest は知識グラフ構築の入力
type IngestRequest struct {
	SourceType  string
	SourceID    string
	SourceTitle string
	Chunks      []ChunkInput
}

// IngestResult は知識グラフ構築の結果
type IngestResult struct {
	EntitiesCreated  int
	EntitiesUpdated  int
	RelationsCreated int
	RelationsUpdated int
	Success          bool
	Error            string
}
