package git

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/jinford/reading-rag/internal/core/ingestion"
	"github.com/jinford/reading-rag/internal/infra/filesource"
)

// repoSyncer は Client のうち Corpus が使用する部分
type repoSyncer interface {
	CloneOrPull(ctx context.Context, url, destDir, ref string) error
	HeadCommit(repoPath string) (string, error)
}

// Corpus はノート用 Git リポジトリをクローンしてファイルをバックフィル対象として供給する
type Corpus struct {
	syncer  repoSyncer
	url     string
	dir     string
	ref     string
	options []filesource.ProviderOption
	logger  *slog.Logger

	mu    sync.Mutex
	files *filesource.Provider
}

// NewCorpus は新しい Corpus を作成する
// クローン先は cloneBaseDir 配下の URL から導出したディレクトリ
func NewCorpus(client *Client, url, cloneBaseDir, ref string, logger *slog.Logger, opts ...filesource.ProviderOption) (*Corpus, error) {
	return newCorpus(client, url, cloneBaseDir, ref, logger, opts...)
}

func newCorpus(syncer repoSyncer, url, cloneBaseDir, ref string, logger *slog.Logger, opts ...filesource.ProviderOption) (*Corpus, error) {
	dirName, err := URLToDirectoryName(url)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Corpus{
		syncer:  syncer,
		url:     url,
		dir:     filepath.Join(cloneBaseDir, dirName),
		ref:     ref,
		options: append(opts, filesource.WithProviderLogger(logger)),
		logger:  logger,
	}, nil
}

// Dir はクローン先ディレクトリを返す
func (c *Corpus) Dir() string {
	return c.dir
}

// ListSources はリポジトリを最新化してから対象ファイルを返す
// 各ソースのメタデータにはコミットハッシュと取得元 URL を付与する
func (c *Corpus) ListSources(ctx context.Context) ([]ingestion.CorpusItem, error) {
	files, commit, err := c.sync(ctx)
	if err != nil {
		return nil, err
	}

	items, err := files.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Metadata["commit"] = commit
		items[i].Metadata["repository"] = c.url
	}

	c.logger.Info("Gitコーパスを取得", "url", c.url, "commit", commit, "count", len(items))
	return items, nil
}

// FetchText はクローン済みワークツリーから本文を返す
func (c *Corpus) FetchText(ctx context.Context, item ingestion.CorpusItem) (string, error) {
	c.mu.Lock()
	files := c.files
	c.mu.Unlock()

	if files == nil {
		var err error
		if files, _, err = c.sync(ctx); err != nil {
			return "", err
		}
	}
	return files.FetchText(ctx, item)
}

func (c *Corpus) sync(ctx context.Context) (*filesource.Provider, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.syncer.CloneOrPull(ctx, c.url, c.dir, c.ref); err != nil {
		return nil, "", fmt.Errorf("failed to sync repository: %w", err)
	}

	commit, err := c.syncer.HeadCommit(c.dir)
	if err != nil {
		return nil, "", err
	}

	files, err := filesource.NewProvider(c.dir, c.options...)
	if err != nil {
		return nil, "", err
	}

	c.files = files
	return files, commit, nil
}

// インターフェース実装の確認
var _ ingestion.CorpusProvider = (*Corpus)(nil)
