package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/urfave/cli/v3"

	"github.com/jinford/reading-rag/internal/core/ingestion"
	"github.com/jinford/reading-rag/internal/core/kg"
	"github.com/jinford/reading-rag/internal/platform/config"
	"github.com/jinford/reading-rag/internal/platform/container"
	"github.com/jinford/reading-rag/internal/platform/logger"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Container *container.ServiceContainer
	Migration *ingestion.MigrationReport
}

// NewAppContext は設定ファイルを読み込み、DBに接続してスキーマを検証した AppContext を作成する
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	})

	cont, err := container.NewContainer(ctx, cfg, container.WithContainerLogger(appLogger))
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	report, err := cont.Initialize(ctx)
	if err != nil {
		cont.Close()
		return nil, fmt.Errorf("スキーマの初期化に失敗: %w", err)
	}

	return &AppContext{
		Container: cont,
		Migration: report,
	}, nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.Container != nil {
		ac.Container.Close()
	}
}

// Logger はAppContextのロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger()
	}
	return slog.Default()
}

// parseSourceType はソース種別フラグを検証する
func parseSourceType(s string) (ingestion.SourceType, error) {
	t := ingestion.SourceType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("不明なソース種別です: %q (article, book, highlight, transcript)", s)
	}
	return t, nil
}

// sourceRefFromFlags は --type と --id からソース参照を作る
func sourceRefFromFlags(cmd *cli.Command) (ingestion.SourceRef, error) {
	t, err := parseSourceType(cmd.String("type"))
	if err != nil {
		return ingestion.SourceRef{}, err
	}
	id := strings.TrimSpace(cmd.String("id"))
	if id == "" {
		return ingestion.SourceRef{}, fmt.Errorf("--id を指定してください")
	}
	return ingestion.SourceRef{Type: t, ID: id}, nil
}

func toGraphRef(ref ingestion.SourceRef) kg.SourceRef {
	return kg.SourceRef{SourceType: string(ref.Type), SourceID: ref.ID}
}

// errAborted は確認プロンプトで中止された場合のエラー
var errAborted = errors.New("中止しました")

// confirm は破壊的な操作の前に確認を求める。yes が true なら確認しない
func confirm(label string, yes bool) error {
	if yes {
		return nil
	}
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
			return errAborted
		}
		return err
	}
	return nil
}
