package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/mo"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// Embedding設定
	Embedding EmbeddingSettings

	// 知識グラフ抽出用LLM設定
	LLM LLMConfig

	// チャンク分割設定
	Chunk ChunkConfig

	// PendingBatchSize は pending チャンクを一度に処理する件数
	PendingBatchSize int

	// 検索結果キャッシュ設定
	Redis RedisConfig

	// ログ設定
	Log LogConfig

	// Git設定
	Git GitConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// EmbeddingSettings は環境変数から読み込んだEmbedding設定
type EmbeddingSettings struct {
	APIKey           string
	BaseURL          string
	Model            string
	Dimensions       int
	MaxParallelCalls int
}

// EmbeddingConfig はEmbeddingが有効な場合の設定
type EmbeddingConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	Dimensions       int
	MaxParallelCalls int
}

// LLMConfig はLLM設定
type LLMConfig struct {
	APIKey            string
	BaseURL           string
	ModelFast         string
	ModelSmart        string
	ModelCheap        string
	RequestsPerMinute int
	// ExtractionTask は知識グラフ抽出に使うモデル用途（fast, smart, cheap）
	ExtractionTask string
}

// ChunkConfig はチャンク分割設定
type ChunkConfig struct {
	TargetTokens  int
	MinTokens     int
	OverlapTokens int
}

// RedisConfig は検索結果キャッシュ設定。Addr が空ならキャッシュは無効
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// LogConfig はログ設定
type LogConfig struct {
	Level  string
	Format string
}

// GitConfig はGit操作設定
type GitConfig struct {
	CloneDir      string
	SSHKeyPath    string
	SSHPassword   string // SSH秘密鍵のパスワード（パスフレーズ）
	DefaultBranch string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	sharedKey := getEnv("OPENAI_API_KEY", "")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "readingrag"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "readingrag"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Embedding: EmbeddingSettings{
			APIKey:           getEnv("EMBEDDING_API_KEY", sharedKey),
			BaseURL:          getEnv("EMBEDDING_BASE_URL", ""),
			Model:            getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimensions:       getEnvAsInt("EMBEDDING_DIMENSIONS", 1536),
			MaxParallelCalls: getEnvAsInt("EMBEDDING_MAX_PARALLEL_CALLS", 2),
		},
		LLM: LLMConfig{
			APIKey:            getEnv("LLM_API_KEY", sharedKey),
			BaseURL:           getEnv("LLM_BASE_URL", ""),
			ModelFast:         getEnv("LLM_MODEL_FAST", "gpt-4o-mini"),
			ModelSmart:        getEnv("LLM_MODEL_SMART", "gpt-4o"),
			ModelCheap:        getEnv("LLM_MODEL_CHEAP", "gpt-4o-mini"),
			RequestsPerMinute: getEnvAsInt("LLM_REQUESTS_PER_MINUTE", 60),
			ExtractionTask:    getEnv("KG_EXTRACTION_TASK", "fast"),
		},
		Chunk: ChunkConfig{
			TargetTokens:  getEnvAsInt("CHUNK_TARGET_TOKENS", 500),
			MinTokens:     getEnvAsInt("CHUNK_MIN_TOKENS", 100),
			OverlapTokens: getEnvAsInt("CHUNK_OVERLAP_TOKENS", 0),
		},
		PendingBatchSize: getEnvAsInt("PENDING_BATCH_SIZE", 32),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			TTL:      getEnvAsDuration("SEARCH_CACHE_TTL", 10*time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Git: GitConfig{
			CloneDir:      getEnv("GIT_CLONE_DIR", "/var/lib/reading-rag/repos"),
			SSHKeyPath:    getEnv("GIT_SSH_KEY_PATH", ""),
			SSHPassword:   getEnv("GIT_SSH_PASSWORD", ""),
			DefaultBranch: getEnv("GIT_DEFAULT_BRANCH", "main"),
		},
	}

	return cfg, nil
}

// EmbeddingConfig はEmbedding設定を返す。APIキーがなければ None
func (c *Config) EmbeddingConfig() mo.Option[EmbeddingConfig] {
	if c.Embedding.APIKey == "" {
		return mo.None[EmbeddingConfig]()
	}
	return mo.Some(EmbeddingConfig(c.Embedding))
}

// LLMModel は用途に応じたモデル名を返す。未知の用途は fast 扱い
func (c *Config) LLMModel(task string) string {
	switch task {
	case "smart":
		return c.LLM.ModelSmart
	case "cheap":
		return c.LLM.ModelCheap
	default:
		return c.LLM.ModelFast
	}
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
