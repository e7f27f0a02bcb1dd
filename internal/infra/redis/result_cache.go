package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jinford/reading-rag/internal/core/ingestion"
	"github.com/jinford/reading-rag/internal/core/search"
)

const (
	// DefaultKeyPrefix は検索結果キャッシュのキー接頭辞
	DefaultKeyPrefix = "reading-rag:search:"
	// DefaultTTL はキャッシュの有効期間
	DefaultTTL = 10 * time.Minute
)

// ResultCache は検索結果を Redis にキャッシュする
type ResultCache struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var (
	_ search.ResultCache         = (*ResultCache)(nil)
	_ ingestion.ScoreInvalidator = (*ResultCache)(nil)
)

// ResultCacheOption は ResultCache のオプション設定
type ResultCacheOption func(*ResultCache)

// WithKeyPrefix はキー接頭辞を設定する
func WithKeyPrefix(prefix string) ResultCacheOption {
	return func(c *ResultCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithTTL は有効期間を設定する
func WithTTL(ttl time.Duration) ResultCacheOption {
	return func(c *ResultCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheLogger はロガーを設定する
func WithCacheLogger(logger *slog.Logger) ResultCacheOption {
	return func(c *ResultCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewResultCache は新しいResultCacheを作成する
func NewResultCache(client goredis.UniversalClient, opts ...ResultCacheOption) *ResultCache {
	c := &ResultCache{
		client: client,
		prefix: DefaultKeyPrefix,
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect はアドレスから Redis クライアントを作成し、疎通を確認する
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Get はキャッシュ済みの検索結果を返す。未登録なら false
func (c *ResultCache) Get(ctx context.Context, key string) ([]*search.Result, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached results: %w", err)
	}

	var results []*search.Result
	if err := json.Unmarshal(data, &results); err != nil {
		// 壊れたエントリは削除してミス扱い
		_ = c.client.Del(ctx, c.prefix+key).Err()
		c.logger.Warn("キャッシュの復元に失敗したため破棄します", "key", key, "error", err)
		return nil, false, nil
	}
	return results, true, nil
}

// Set は検索結果を保存する
func (c *ResultCache) Set(ctx context.Context, key string, results []*search.Result) error {
	if results == nil {
		results = []*search.Result{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache results: %w", err)
	}
	return nil
}

// InvalidateScores は接頭辞に一致するキャッシュをすべて削除する
func (c *ResultCache) InvalidateScores(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()

	deleted := 0
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete cache key: %w", err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	c.logger.Info("検索キャッシュを無効化", "deleted", deleted)
	return nil
}
