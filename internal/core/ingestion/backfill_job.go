package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// BackfillJob はバックフィルを cron スケジュールで定期実行する
type BackfillJob struct {
	coordinator *BackfillCoordinator
	schedule    string
	cron        *cron.Cron
	logger      *slog.Logger
}

// NewBackfillJob は新しいBackfillJobを作成する
func NewBackfillJob(coordinator *BackfillCoordinator, schedule string, logger *slog.Logger) *BackfillJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackfillJob{
		coordinator: coordinator,
		schedule:    schedule,
		cron:        cron.New(),
		logger:      logger,
	}
}

// Start はスケジューラーを起動する
func (j *BackfillJob) Start(ctx context.Context) error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		j.runOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron ジョブの登録に失敗: %w", err)
	}

	j.cron.Start()
	j.logger.Info("バックフィルジョブを開始しました", "schedule", j.schedule)
	return nil
}

// Stop はスケジューラーを停止し、実行中のバックフィルにキャンセルを要求する
func (j *BackfillJob) Stop() {
	stopped := j.cron.Stop()
	j.coordinator.Cancel()
	<-stopped.Done()
	j.logger.Info("バックフィルジョブを停止しました")
}

func (j *BackfillJob) runOnce(ctx context.Context) {
	progress, err := j.coordinator.Run(ctx)
	if errors.Is(err, ErrBackfillRunning) {
		j.logger.Warn("前回のバックフィルが実行中のためスキップします")
		return
	}
	if err != nil {
		j.logger.Error("バックフィルジョブの実行に失敗しました", "error", err)
		return
	}
	j.logger.Info("バックフィルジョブが完了しました",
		"done", progress.Done,
		"failed", progress.Failed,
	)
}
