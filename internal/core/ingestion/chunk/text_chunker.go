package chunk

import (
	"maps"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultTargetTokens はチャンクの目標トークン数
	DefaultTargetTokens = 500
	// DefaultMinTokens はフラッシュに必要な最小トークン数
	DefaultMinTokens = 100
	// charsPerToken はトークン数推定に使う1トークンあたりの文字数
	charsPerToken = 3
)

// ソース種別ごとの分割戦略を選ぶためのキー
const (
	KindArticle    = "article"
	KindBook       = "book"
	KindHighlight  = "highlight"
	KindTranscript = "transcript"
)

var (
	paragraphBoundary = regexp.MustCompile(`\n[ \t\r\f\v]*\n`)
	sentenceBoundary  = regexp.MustCompile(`[.!?。！？]\s+`)
)

// Config はチャンク分割の設定
type Config struct {
	TargetTokens int
	MinTokens    int
	// OverlapTokens は受け付けるが分割には使わない
	OverlapTokens int
}

// DefaultConfig はデフォルトのチャンク分割設定を返す
func DefaultConfig() Config {
	return Config{
		TargetTokens: DefaultTargetTokens,
		MinTokens:    DefaultMinTokens,
	}
}

func (c Config) normalized() Config {
	if c.TargetTokens <= 0 {
		c.TargetTokens = DefaultTargetTokens
	}
	if c.MinTokens < 0 {
		c.MinTokens = 0
	}
	if c.MinTokens > c.TargetTokens {
		c.MinTokens = c.TargetTokens
	}
	if c.OverlapTokens < 0 {
		c.OverlapTokens = 0
	}
	return c
}

// Piece はチャンク分割の結果1件
type Piece struct {
	Content    string
	Index      int
	TokenCount int
	Metadata   map[string]any
}

// TextChunker は長文テキストをトークン予算に沿って分割する
type TextChunker struct {
	cfg Config
}

// NewTextChunker は新しいTextChunkerを作成する
func NewTextChunker(cfg Config) *TextChunker {
	return &TextChunker{cfg: cfg.normalized()}
}

// Config は正規化済みの設定を返す
func (c *TextChunker) Config() Config {
	return c.cfg
}

// EstimateTokens は ceil(文字数 / 3) でトークン数を推定する
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// Chunk はソース種別に応じてテキストを分割する。空入力は nil を返す
func (c *TextChunker) Chunk(text, kind string, metadata map[string]any) []Piece {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var contents []string
	switch kind {
	case KindHighlight:
		contents = []string{trimmed}
	case KindTranscript:
		contents = c.accumulate(splitUnits(trimmed, "\n"), "\n")
	default:
		contents = c.accumulate(splitParagraphs(trimmed), "\n\n")
	}

	pieces := make([]Piece, 0, len(contents))
	for i, content := range contents {
		pieces = append(pieces, Piece{
			Content:    content,
			Index:      i,
			TokenCount: EstimateTokens(content),
			Metadata:   maps.Clone(metadata),
		})
	}
	return pieces
}

// buffer は累積中のチャンク本文
type buffer struct {
	text string
	out  []string
}

func (b *buffer) join(sep, unit string) string {
	if b.text == "" {
		return unit
	}
	return b.text + sep + unit
}

func (b *buffer) flush() {
	if b.text != "" {
		b.out = append(b.out, b.text)
		b.text = ""
	}
}

// accumulate はユニットをバッファに積み、目標サイズを超える直前でフラッシュする
func (c *TextChunker) accumulate(units []string, sep string) []string {
	b := &buffer{}
	for _, unit := range units {
		if EstimateTokens(unit) > c.cfg.TargetTokens {
			// 単体で目標超過のユニットは文単位で積み直す
			b.flush()
			for _, sentence := range splitSentences(unit) {
				if EstimateTokens(sentence) <= c.cfg.TargetTokens {
					c.add(b, sentence, " ")
					continue
				}
				// 終端記号のない長文は目標サイズの文字数で切る
				b.flush()
				for _, part := range splitRunes(sentence, c.cfg.TargetTokens*charsPerToken) {
					c.add(b, part, " ")
				}
			}
			continue
		}
		c.add(b, unit, sep)
	}
	b.flush()
	return b.out
}

func (c *TextChunker) add(b *buffer, unit, sep string) {
	if b.text != "" &&
		EstimateTokens(b.join(sep, unit)) > c.cfg.TargetTokens &&
		EstimateTokens(b.text) >= c.cfg.MinTokens {
		b.flush()
	}
	b.text = b.join(sep, unit)
}

func splitParagraphs(text string) []string {
	return compact(paragraphBoundary.Split(text, -1))
}

func splitUnits(text, sep string) []string {
	return compact(strings.Split(text, sep))
}

// splitSentences は終端記号＋空白で文に分割する。終端記号は文側に残す
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		_, size := utf8.DecodeRuneInString(text[loc[0]:])
		sentences = append(sentences, text[start:loc[0]+size])
		start = loc[1]
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return compact(sentences)
}

// splitRunes は文字数 size ごとに分割する
func splitRunes(text string, size int) []string {
	var parts []string
	runes := []rune(text)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		parts = append(parts, string(runes[start:end]))
	}
	return compact(parts)
}

func compact(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
