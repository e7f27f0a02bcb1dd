package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultTopK は TopK 未指定時の件数
	DefaultTopK = 10
	// MaxTopK は TopK の上限
	MaxTopK = 100
)

// Retriever はベクトル検索と全文検索を RRF で融合するハイブリッド検索
type Retriever struct {
	repo     Repository
	embedder Embedder
	cache    ResultCache
	logger   *slog.Logger
}

type retrieverOptions struct {
	cache  ResultCache
	logger *slog.Logger
}

// RetrieverOption は Retriever のオプション設定
type RetrieverOption func(*retrieverOptions)

// WithRetrieverLogger はロガーを設定する
func WithRetrieverLogger(logger *slog.Logger) RetrieverOption {
	return func(o *retrieverOptions) {
		o.logger = logger
	}
}

// WithResultCache は検索結果キャッシュを設定する
func WithResultCache(cache ResultCache) RetrieverOption {
	return func(o *retrieverOptions) {
		o.cache = cache
	}
}

// NewRetriever は新しいRetrieverを作成する
// embedder が nil の場合ベクトル経路は常に空になる
func NewRetriever(repo Repository, embedder Embedder, opts ...RetrieverOption) *Retriever {
	options := retrieverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	return &Retriever{
		repo:     repo,
		embedder: embedder,
		cache:    options.cache,
		logger:   options.logger,
	}
}

// Search はクエリを検索し、融合スコアの降順で最大 TopK 件を返す
// 片方の経路が失敗しても残りの経路の結果を返し、エラーは返さない
func (r *Retriever) Search(ctx context.Context, req Request) []*Result {
	req = normalizeRequest(req)
	if req.Query == "" {
		return []*Result{}
	}

	key, err := cacheKey(req)
	if err != nil {
		r.logger.Warn("キャッシュキーの生成に失敗。キャッシュを使わずに検索します", "error", err)
	} else if cached, ok := r.cacheGet(ctx, key); ok {
		return cached
	}

	var lists [][]uuid.UUID
	if req.Mode.useVector() {
		lists = append(lists, r.vectorRanks(ctx, req))
	}
	if req.Mode.useKeyword() {
		lists = append(lists, r.keywordRanks(ctx, req))
	}

	fused := FuseRRF(lists...)
	if len(fused) > req.TopK {
		fused = fused[:req.TopK]
	}

	results := r.hydrate(ctx, fused)
	if key != "" {
		r.cacheSet(ctx, key, results)
	}
	return results
}

// vectorRanks はKNNで TopK×2 件を取り、フィルタ後の先頭 TopK 件を順位順に返す
func (r *Retriever) vectorRanks(ctx context.Context, req Request) []uuid.UUID {
	if r.embedder == nil {
		return nil
	}

	vec, _, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		r.logger.Warn("クエリのEmbeddingに失敗。ベクトル検索をスキップします", "error", err)
		return nil
	}

	neighbors, err := r.repo.SearchNearest(ctx, vec, req.TopK*2)
	if err != nil {
		r.logger.Warn("ベクトル検索に失敗", "error", err)
		return nil
	}

	ids := make([]uuid.UUID, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.ChunkID
	}
	return r.applyFilter(ctx, ids, req)
}

// keywordRanks は全文検索でヒットしたドキュメントごとに代表チャンクを1件選ぶ
func (r *Retriever) keywordRanks(ctx context.Context, req Request) []uuid.UUID {
	terms := Tokenize(req.Query)
	if len(terms) == 0 {
		return nil
	}

	docs, err := r.repo.SearchDocuments(ctx, BuildTSQuery(terms), req.TopK*2)
	if err != nil {
		r.logger.Warn("全文検索に失敗", "error", err)
		return nil
	}
	if len(docs) == 0 {
		return nil
	}

	ids, err := r.repo.FirstChunksOfDocuments(ctx, docs)
	if err != nil {
		r.logger.Warn("代表チャンクの取得に失敗", "error", err)
		return nil
	}
	return r.applyFilter(ctx, ids, req)
}

func (r *Retriever) applyFilter(ctx context.Context, ids []uuid.UUID, req Request) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}

	if !req.Filter.IsEmpty() {
		allowed, err := r.repo.FilterChunks(ctx, ids, req.Filter)
		if err != nil {
			r.logger.Warn("フィルタの適用に失敗", "error", err)
			return nil
		}
		ids = slices.DeleteFunc(slices.Clone(ids), func(id uuid.UUID) bool {
			_, ok := allowed[id]
			return !ok
		})
	}

	if len(ids) > req.TopK {
		ids = ids[:req.TopK]
	}
	return ids
}

func (r *Retriever) hydrate(ctx context.Context, fused []Fused) []*Result {
	results := make([]*Result, 0, len(fused))
	if len(fused) == 0 {
		return results
	}

	ids := make([]uuid.UUID, len(fused))
	for i, f := range fused {
		ids[i] = f.ChunkID
	}
	records, err := r.repo.GetChunksByIDs(ctx, ids)
	if err != nil {
		r.logger.Warn("チャンクの取得に失敗", "error", err)
		return results
	}

	for _, f := range fused {
		rec, ok := records[f.ChunkID]
		if !ok {
			continue
		}
		results = append(results, &Result{
			ChunkID:    rec.ID,
			Content:    rec.Content,
			Score:      f.Score,
			SourceType: rec.SourceType,
			SourceID:   rec.SourceID,
			ChunkIndex: rec.ChunkIndex,
			Metadata:   rec.Metadata,
		})
	}
	return results
}

func (r *Retriever) cacheGet(ctx context.Context, key string) ([]*Result, bool) {
	if r.cache == nil {
		return nil, false
	}
	results, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("検索キャッシュの取得に失敗", "error", err)
		return nil, false
	}
	return results, ok
}

func (r *Retriever) cacheSet(ctx context.Context, key string, results []*Result) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, key, results); err != nil {
		r.logger.Warn("検索キャッシュの保存に失敗", "error", err)
	}
}

func normalizeRequest(req Request) Request {
	req.Query = strings.TrimSpace(req.Query)
	if req.TopK <= 0 {
		req.TopK = DefaultTopK
	}
	if req.TopK > MaxTopK {
		req.TopK = MaxTopK
	}
	req.Mode = ParseMode(string(req.Mode))
	req.Filter.SourceTypes = sortedCopy(req.Filter.SourceTypes)
	req.Filter.SourceIDs = sortedCopy(req.Filter.SourceIDs)
	return req
}

func sortedCopy(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}

// cacheKey は正規化済みリクエストのハッシュを返す
func cacheKey(req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal search request: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
