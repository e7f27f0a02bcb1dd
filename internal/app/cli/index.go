package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/reading-rag/internal/core/ingestion"
	"github.com/jinford/reading-rag/internal/platform/container"
)

// SchemaMigrateAction はスキーマを作成・検証して結果を表示する
func SchemaMigrateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	renderMigration(os.Stdout, appCtx.Migration)
	return nil
}

// IndexIngestAction はファイルの本文をソースとしてインデックス化する
func IndexIngestAction(ctx context.Context, cmd *cli.Command) error {
	ref, err := sourceRefFromFlags(cmd)
	if err != nil {
		return err
	}

	text, err := os.ReadFile(cmd.String("file"))
	if err != nil {
		return fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	metadata := map[string]any{}
	if title := strings.TrimSpace(cmd.String("title")); title != "" {
		metadata["title"] = title
	}
	if partition := strings.TrimSpace(cmd.String("partition")); partition != "" {
		metadata["partition"] = partition
	}

	res := appCtx.Container.Pipeline.Ingest(ctx, ingestion.IngestRequest{
		SourceType: ref.Type,
		SourceID:   ref.ID,
		Text:       string(text),
		Metadata:   metadata,
	})
	if !res.Success {
		return fmt.Errorf("インデックス化に失敗: %s", res.Error)
	}

	fmt.Printf("チャンク %d 件を作成、Embedding %d 件を生成しました (tokens: %d)\n",
		res.ChunksCreated, res.EmbeddingsGenerated, res.TotalTokens)
	return nil
}

// IndexRemoveAction はソースのチャンクと全文検索用ドキュメントを削除する
func IndexRemoveAction(ctx context.Context, cmd *cli.Command) error {
	ref, err := sourceRefFromFlags(cmd)
	if err != nil {
		return err
	}
	if err := confirm(fmt.Sprintf("%s/%s のインデックスを削除しますか", ref.Type, ref.ID), cmd.Bool("yes")); err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Pipeline.Remove(ctx, ref); err != nil {
		return err
	}
	fmt.Printf("%s/%s を削除しました\n", ref.Type, ref.ID)
	return nil
}

// IndexPendingAction は pending のチャンクをEmbeddingする
func IndexPendingAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if !appCtx.Container.EmbeddingEnabled() {
		return container.ErrEmbeddingNotConfigured
	}

	batchSize := cmd.Int("batch-size")
	if batchSize <= 0 {
		batchSize = appCtx.Container.Config.PendingBatchSize
	}

	var res *ingestion.PendingResult
	if cmd.Bool("all") {
		res, err = appCtx.Container.Pipeline.DrainPending(ctx, batchSize)
	} else {
		res, err = appCtx.Container.Pipeline.ProcessPendingChunks(ctx, batchSize)
	}
	if err != nil {
		return err
	}

	fmt.Printf("処理 %d 件、失敗 %d 件 (tokens: %d)\n", res.Processed, res.Failed, res.TotalTokens)
	return nil
}

// IndexStatusAction はソースのチャンク状態を表示する
func IndexStatusAction(ctx context.Context, cmd *cli.Command) error {
	ref, err := sourceRefFromFlags(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	status, err := appCtx.Container.Pipeline.GetSourceIndexStatus(ctx, ref)
	if err != nil {
		return err
	}
	renderSourceStatus(os.Stdout, ref, status)
	return nil
}
