package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/reading-rag/internal/core/ingestion"
)

// BackfillAction はディレクトリまたはGitリポジトリの全ソースを再インデックスする
// --schedule を指定した場合はプロセスを常駐させ cron スケジュールで繰り返す
func BackfillAction(ctx context.Context, cmd *cli.Command) error {
	dir := strings.TrimSpace(cmd.String("dir"))
	repo := strings.TrimSpace(cmd.String("repo"))
	if (dir == "") == (repo == "") {
		return fmt.Errorf("--dir と --repo のどちらか一方を指定してください")
	}

	sourceType, err := parseSourceType(cmd.String("type"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	var provider ingestion.CorpusProvider
	if dir != "" {
		provider, err = appCtx.Container.FileCorpus(dir, sourceType)
	} else {
		provider, err = appCtx.Container.GitCorpus(repo, cmd.String("ref"), sourceType)
	}
	if err != nil {
		return err
	}

	coordinator, err := appCtx.Container.NewBackfill(provider, cmd.Bool("with-kg"))
	if err != nil {
		return err
	}

	if schedule := strings.TrimSpace(cmd.String("schedule")); schedule != "" {
		job := ingestion.NewBackfillJob(coordinator, schedule, appCtx.Logger())
		if err := job.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		job.Stop()
		return nil
	}

	progress, err := coordinator.Run(ctx)
	if err != nil {
		return err
	}
	renderBackfill(os.Stdout, progress)
	return nil
}
