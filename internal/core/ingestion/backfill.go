package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

// ErrBackfillRunning は既にバックフィルが実行中の場合のエラー
var ErrBackfillRunning = errors.New("backfill already running")

// BackfillPhase はバックフィルの状態
type BackfillPhase int

const (
	BackfillIdle BackfillPhase = iota
	BackfillRunning
	BackfillCancelling
)

func (p BackfillPhase) String() string {
	switch p {
	case BackfillRunning:
		return "running"
	case BackfillCancelling:
		return "cancelling"
	default:
		return "idle"
	}
}

// BackfillProgress はバックフィルの進捗
type BackfillProgress struct {
	Total     int
	Done      int
	Failed    int
	Current   string
	Cancelled bool
	Pending   PendingResult
}

// BackfillState は State が返すスナップショット
type BackfillState struct {
	Phase    BackfillPhase
	Progress BackfillProgress
}

// Ingester はバックフィルから呼び出すインデックス処理
type Ingester interface {
	Ingest(ctx context.Context, req IngestRequest) IngestResult
	DrainPending(ctx context.Context, batchSize int) (*PendingResult, error)
}

// BackfillHook は各ソースのインデックス化成功後に呼ばれる（知識グラフ構築など）
type BackfillHook func(ctx context.Context, item CorpusItem) error

// BackfillCoordinator はコーパス全体の再インデックスを1本に制限して実行する
// 状態遷移は Idle -> Running -> (Cancelling) -> Idle のみ
type BackfillCoordinator struct {
	ingester     Ingester
	provider     CorpusProvider
	hooks        []BackfillHook
	pendingBatch int
	logger       *slog.Logger

	mu       sync.Mutex
	phase    BackfillPhase
	progress BackfillProgress
}

type backfillOptions struct {
	hooks        []BackfillHook
	pendingBatch int
	logger       *slog.Logger
}

// BackfillOption は BackfillCoordinator のオプション設定
type BackfillOption func(*backfillOptions)

// WithBackfillLogger はロガーを設定する
func WithBackfillLogger(logger *slog.Logger) BackfillOption {
	return func(o *backfillOptions) {
		o.logger = logger
	}
}

// WithBackfillHook はソースごとの後処理を追加する
func WithBackfillHook(hook BackfillHook) BackfillOption {
	return func(o *backfillOptions) {
		if hook != nil {
			o.hooks = append(o.hooks, hook)
		}
	}
}

// WithPendingBatchSize は最後のpending消化で使うバッチサイズを設定する
func WithPendingBatchSize(n int) BackfillOption {
	return func(o *backfillOptions) {
		o.pendingBatch = n
	}
}

// NewBackfillCoordinator は新しいBackfillCoordinatorを作成する
func NewBackfillCoordinator(ingester Ingester, provider CorpusProvider, opts ...BackfillOption) *BackfillCoordinator {
	options := backfillOptions{
		pendingBatch: 32,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	return &BackfillCoordinator{
		ingester:     ingester,
		provider:     provider,
		hooks:        options.hooks,
		pendingBatch: options.pendingBatch,
		logger:       options.logger,
	}
}

// State は現在の状態と進捗を返す
func (c *BackfillCoordinator) State() BackfillState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return BackfillState{Phase: c.phase, Progress: c.progress}
}

// Cancel は実行中のバックフィルに停止を要求する。実行中でなければ false を返す
func (c *BackfillCoordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != BackfillRunning {
		return false
	}
	c.phase = BackfillCancelling
	return true
}

// begin は Idle -> Running の唯一の遷移
func (c *BackfillCoordinator) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != BackfillIdle {
		return ErrBackfillRunning
	}
	c.phase = BackfillRunning
	c.progress = BackfillProgress{}
	return nil
}

func (c *BackfillCoordinator) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = BackfillIdle
	c.progress.Current = ""
}

func (c *BackfillCoordinator) cancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == BackfillCancelling
}

func (c *BackfillCoordinator) update(fn func(p *BackfillProgress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.progress)
}

// Run はコーパス全件をインデックス化し、最後にpendingを消化する
// 個々のソースの失敗はログに残して次へ進む。キャンセルはソースの間でのみ確認する
func (c *BackfillCoordinator) Run(ctx context.Context) (*BackfillProgress, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.finish()

	items, err := c.provider.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list corpus: %w", err)
	}
	c.update(func(p *BackfillProgress) { p.Total = len(items) })
	c.logger.Info("バックフィルを開始", "total", len(items))

	for _, item := range items {
		if c.cancelRequested() || ctx.Err() != nil {
			c.update(func(p *BackfillProgress) { p.Cancelled = true })
			c.logger.Info("バックフィルをキャンセル", "state", c.State().Progress)
			break
		}

		c.update(func(p *BackfillProgress) { p.Current = string(item.Ref.Type) + ":" + item.Ref.ID })
		if err := c.processItem(ctx, item); err != nil {
			c.logger.Error("ソースのバックフィルに失敗",
				"sourceType", item.Ref.Type,
				"sourceID", item.Ref.ID,
				"error", err,
			)
			c.update(func(p *BackfillProgress) { p.Failed++ })
			continue
		}
		c.update(func(p *BackfillProgress) { p.Done++ })
	}
	if c.cancelRequested() {
		c.update(func(p *BackfillProgress) { p.Cancelled = true })
	}

	if !c.State().Progress.Cancelled {
		pending, err := c.ingester.DrainPending(ctx, c.pendingBatch)
		if err != nil {
			c.logger.Error("pendingチャンクの消化に失敗", "error", err)
		}
		if pending != nil {
			c.update(func(p *BackfillProgress) { p.Pending = *pending })
		}
	}

	progress := c.State().Progress
	c.logger.Info("バックフィルが終了",
		"total", progress.Total,
		"done", progress.Done,
		"failed", progress.Failed,
		"cancelled", progress.Cancelled,
	)
	return &progress, nil
}

func (c *BackfillCoordinator) processItem(ctx context.Context, item CorpusItem) error {
	text, err := c.provider.FetchText(ctx, item)
	if err != nil {
		return fmt.Errorf("failed to fetch text: %w", err)
	}

	metadata := maps.Clone(item.Metadata)
	if item.Title != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["title"] = item.Title
	}

	res := c.ingester.Ingest(ctx, IngestRequest{
		SourceType: item.Ref.Type,
		SourceID:   item.Ref.ID,
		Text:       text,
		Metadata:   metadata,
	})
	if !res.Success {
		return fmt.Errorf("ingest failed: %s", res.Error)
	}

	for _, hook := range c.hooks {
		if err := hook(ctx, item); err != nil {
			return fmt.Errorf("backfill hook failed: %w", err)
		}
	}
	return nil
}
