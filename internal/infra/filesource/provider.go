package filesource

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-enry/go-enry/v2"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/jinford/reading-rag/internal/core/ingestion"
)

// IgnoreFileName はルート直下に置く除外パターンファイル名
const IgnoreFileName = ".ragignore"

var defaultExtensions = []string{".md", ".markdown", ".txt"}

var defaultIgnorePatterns = []string{
	".git",
	"node_modules",
	".DS_Store",
	"*.swp",
	"*~",
}

// Provider はディレクトリ配下のテキストファイルをバックフィル対象として供給する
type Provider struct {
	root       string
	sourceType ingestion.SourceType
	extensions []string
	ignore     *gitignore.GitIgnore
	logger     *slog.Logger
}

type providerOptions struct {
	sourceType ingestion.SourceType
	extensions []string
	logger     *slog.Logger
}

// ProviderOption は Provider のオプション設定
type ProviderOption func(*providerOptions)

// WithSourceType はファイルに割り当てるソース種別を設定する
func WithSourceType(t ingestion.SourceType) ProviderOption {
	return func(o *providerOptions) {
		o.sourceType = t
	}
}

// WithExtensions は対象とする拡張子を設定する
func WithExtensions(exts ...string) ProviderOption {
	return func(o *providerOptions) {
		o.extensions = exts
	}
}

// WithProviderLogger はロガーを設定する
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(o *providerOptions) {
		o.logger = logger
	}
}

// NewProvider は新しいProviderを作成する
// root 直下の .ragignore があれば除外パターンとして読み込む
func NewProvider(root string, opts ...ProviderOption) (*Provider, error) {
	options := providerOptions{
		sourceType: ingestion.SourceTypeArticle,
		extensions: defaultExtensions,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if !options.sourceType.Valid() {
		return nil, fmt.Errorf("invalid source type: %q", options.sourceType)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat corpus root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("corpus root is not a directory: %s", root)
	}

	patterns := slices.Clone(defaultIgnorePatterns)
	custom, err := readIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	patterns = append(patterns, custom...)

	exts := make([]string, 0, len(options.extensions))
	for _, ext := range options.extensions {
		exts = append(exts, strings.ToLower(ext))
	}

	return &Provider{
		root:       root,
		sourceType: options.sourceType,
		extensions: exts,
		ignore:     gitignore.CompileIgnoreLines(patterns...),
		logger:     options.logger,
	}, nil
}

// ListSources は対象ファイルをパス順に返す
// ソースIDはルートからのスラッシュ区切り相対パス
func (p *Provider) ListSources(ctx context.Context) ([]ingestion.CorpusItem, error) {
	var items []ingestion.CorpusItem

	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if p.ignore.MatchesPath(rel) || enry.IsVendor(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if p.ignore.MatchesPath(rel) || enry.IsVendor(rel) {
			return nil
		}
		if rel == IgnoreFileName {
			return nil
		}
		if !slices.Contains(p.extensions, strings.ToLower(filepath.Ext(rel))) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		if enry.IsBinary(content) {
			p.logger.Debug("バイナリファイルをスキップ", "path", rel)
			return nil
		}

		name := filepath.Base(rel)
		metadata := map[string]any{"path": rel}
		if lang := enry.GetLanguage(name, content); lang != "" {
			metadata["language"] = lang
		}

		items = append(items, ingestion.CorpusItem{
			Ref:      ingestion.SourceRef{Type: p.sourceType, ID: rel},
			Title:    strings.TrimSuffix(name, filepath.Ext(name)),
			Metadata: metadata,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk corpus: %w", err)
	}

	p.logger.Debug("コーパスを走査", "root", p.root, "count", len(items))
	return items, nil
}

// FetchText はファイル本文を返す
func (p *Provider) FetchText(ctx context.Context, item ingestion.CorpusItem) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if item.Ref.Type != p.sourceType {
		return "", fmt.Errorf("unexpected source type: %q", item.Ref.Type)
	}

	clean := filepath.Clean(filepath.FromSlash(item.Ref.ID))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("source id escapes corpus root: %s", item.Ref.ID)
	}

	content, err := os.ReadFile(filepath.Join(p.root, clean))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", item.Ref.ID, err)
	}
	return string(content), nil
}

// readIgnoreFile は ignore ファイルのパターンを返す。ファイルがなければ空
func readIgnoreFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	var patterns []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}

// インターフェース実装の確認
var _ ingestion.CorpusProvider = (*Provider)(nil)
