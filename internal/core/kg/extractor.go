package kg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultBatchChars は1リクエストにまとめるチャンク本文の文字数の目安
	DefaultBatchChars = 9000
	// DefaultChunkTokenLimit はチャンク1件あたりのトークン上限
	DefaultChunkTokenLimit = 3000
)

// ErrInvalidExtraction はモデル出力が期待する形式でない場合のエラー
var ErrInvalidExtraction = errors.New("invalid extraction response")

// ModelTask はモデル選択の用途
type ModelTask string

const (
	ModelTaskFast  ModelTask = "fast"
	ModelTaskSmart ModelTask = "smart"
	ModelTaskCheap ModelTask = "cheap"
)

// CompletionRequest はLLMへのリクエスト
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
	JSONResponse bool
}

// CompletionResponse はLLMのレスポンス
type CompletionResponse struct {
	Content    string
	TokensUsed int
	Model      string
}

// CompletionClient はLLMクライアントのインターフェース
type CompletionClient interface {
	GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// TokenTrimmer はテキストをトークン上限で切り詰める
type TokenTrimmer interface {
	TrimToTokenLimit(text string, maxTokens int) string
}

// Extractor はチャンク群からエンティティと関係を抽出する
type Extractor struct {
	client          CompletionClient
	model           string
	batchChars      int
	trimmer         TokenTrimmer
	chunkTokenLimit int
	validate        *validator.Validate
	logger          *slog.Logger
}

type extractorOptions struct {
	batchChars      int
	trimmer         TokenTrimmer
	chunkTokenLimit int
	logger          *slog.Logger
}

// ExtractorOption は Extractor のオプション設定
type ExtractorOption func(*extractorOptions)

// WithExtractorLogger はロガーを設定する
func WithExtractorLogger(logger *slog.Logger) ExtractorOption {
	return func(o *extractorOptions) {
		o.logger = logger
	}
}

// WithBatchChars はバッチの文字数しきい値を上書きする
func WithBatchChars(n int) ExtractorOption {
	return func(o *extractorOptions) {
		o.batchChars = n
	}
}

// WithTokenTrimmer はチャンク本文をトークン上限で切り詰める
func WithTokenTrimmer(trimmer TokenTrimmer, maxTokens int) ExtractorOption {
	return func(o *extractorOptions) {
		o.trimmer = trimmer
		o.chunkTokenLimit = maxTokens
	}
}

// NewExtractor は新しいExtractorを作成する
func NewExtractor(client CompletionClient, model string, opts ...ExtractorOption) *Extractor {
	options := extractorOptions{
		batchChars:      DefaultBatchChars,
		chunkTokenLimit: DefaultChunkTokenLimit,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.batchChars <= 0 {
		options.batchChars = DefaultBatchChars
	}

	return &Extractor{
		client:          client,
		model:           model,
		batchChars:      options.batchChars,
		trimmer:         options.trimmer,
		chunkTokenLimit: options.chunkTokenLimit,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		logger:          options.logger,
	}
}

// Extract はチャンクをバッチに分けて抽出し、結果をマージして返す
// 1バッチでも失敗した場合はエラーを返す
func (e *Extractor) Extract(ctx context.Context, chunks []ChunkInput) (*Extraction, error) {
	if len(chunks) == 0 {
		return &Extraction{}, nil
	}

	batches := e.batch(chunks)
	results := make([]*Extraction, 0, len(batches))
	for i, b := range batches {
		res, err := e.extractBatch(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
		}
		results = append(results, res)
	}

	merged := MergeExtractions(results...)
	e.logger.Debug("エンティティ抽出が完了",
		"batches", len(batches),
		"entities", len(merged.Entities),
		"relations", len(merged.Relations),
	)
	return merged, nil
}

// batch は本文の累積文字数がしきい値を超えないようにチャンクをまとめる
func (e *Extractor) batch(chunks []ChunkInput) [][]ChunkInput {
	var batches [][]ChunkInput
	var current []ChunkInput
	size := 0
	for _, c := range chunks {
		if e.trimmer != nil && e.chunkTokenLimit > 0 {
			c.Content = e.trimmer.TrimToTokenLimit(c.Content, e.chunkTokenLimit)
		}
		n := utf8.RuneCountInString(c.Content)
		if len(current) > 0 && size+n > e.batchChars {
			batches = append(batches, current)
			current, size = nil, 0
		}
		current = append(current, c)
		size += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

type extractionPayload struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

func (e *Extractor) extractBatch(ctx context.Context, chunks []ChunkInput) (*Extraction, error) {
	resp, err := e.client.GenerateCompletion(ctx, CompletionRequest{
		Model:        e.model,
		SystemPrompt: extractionSystemPrompt,
		Prompt:       buildExtractionPrompt(chunks),
		Temperature:  0,
		JSONResponse: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call extraction model: %w", err)
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtraction, err)
	}

	out := &Extraction{}
	for _, ent := range payload.Entities {
		ent.Name = strings.TrimSpace(ent.Name)
		ent.Type = strings.TrimSpace(ent.Type)
		ent.Description = strings.TrimSpace(ent.Description)
		if err := e.validate.Struct(ent); err != nil {
			return nil, fmt.Errorf("%w: entity %q: %v", ErrInvalidExtraction, ent.Name, err)
		}
		out.Entities = append(out.Entities, ent)
	}
	for _, rel := range payload.Relations {
		rel.Source = strings.TrimSpace(rel.Source)
		rel.Target = strings.TrimSpace(rel.Target)
		rel.Type = strings.TrimSpace(rel.Type)
		if err := e.validate.Struct(rel); err != nil {
			return nil, fmt.Errorf("%w: relation %q -> %q: %v", ErrInvalidExtraction, rel.Source, rel.Target, err)
		}
		rel.Mentions = 1
		out.Relations = append(out.Relations, rel)
	}
	return out, nil
}

// MergeExtractions はバッチごとの抽出結果を統合する
// エンティティは名前の正規化キーで統合し、説明は長い方、別名は和集合を採る
// 関係は (source, target, type) の完全一致で統合する
func MergeExtractions(parts ...*Extraction) *Extraction {
	merged := &Extraction{}
	entityIndex := make(map[string]int)
	relationIndex := make(map[[3]string]int)

	for _, part := range parts {
		if part == nil {
			continue
		}
		for _, ent := range part.Entities {
			key := Normalize(ent.Name)
			if key == "" {
				continue
			}
			i, ok := entityIndex[key]
			if !ok {
				aliases, _ := mergeAliases(key, nil, ent.Aliases)
				ent.Aliases = aliases
				entityIndex[key] = len(merged.Entities)
				merged.Entities = append(merged.Entities, ent)
				continue
			}
			existing := &merged.Entities[i]
			if len(ent.Description) > len(existing.Description) {
				existing.Description = ent.Description
			}
			existing.Aliases, _ = mergeAliases(key, existing.Aliases, ent.Aliases)
		}

		for _, rel := range part.Relations {
			mentions := max(rel.Mentions, 1)
			key := [3]string{rel.Source, rel.Target, rel.Type}
			if i, ok := relationIndex[key]; ok {
				merged.Relations[i].Mentions += mentions
				continue
			}
			rel.Mentions = mentions
			relationIndex[key] = len(merged.Relations)
			merged.Relations = append(merged.Relations, rel)
		}
	}
	return merged
}

const extractionSystemPrompt = `You extract a knowledge graph from reading material.
Return a single JSON object with exactly two keys:
  "entities": array of {"name": string, "type": string, "description": string, "aliases": [string]}
  "relations": array of {"source": string, "target": string, "type": string}
Rules:
- Entities are people, organizations, places, works, technologies, concepts or events that the text discusses.
- "type" is a short lowercase category such as person, organization, technology, concept, place, work, event.
- "description" is one sentence grounded in the text.
- "aliases" lists other names used for the same entity in the text. Omit the canonical name itself.
- Relation "source" and "target" must be names that appear in "entities".
- Relation "type" is a short snake_case verb phrase such as created_by, part_of, uses, influenced.
- Do not invent facts that are not supported by the text.
- Write names as they appear in the text.`

func buildExtractionPrompt(chunks []ChunkInput) string {
	var sb strings.Builder
	sb.WriteString("Extract entities and relations from the following passages.\n")
	for _, c := range chunks {
		sb.WriteString("\n---\n")
		if c.SourceTitle != "" {
			fmt.Fprintf(&sb, "Source: %s\n", c.SourceTitle)
		}
		if c.ChunkID != "" {
			fmt.Fprintf(&sb, "Passage: %s\n", c.ChunkID)
		}
		sb.WriteString(c.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
