// Package cleanup は永続化したブラウザセッションの自動削除ジョブを提供する。
// 保持期間（デフォルト7日）を超えて更新されていないセッションを定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Purger は古いセッションを削除する操作を抽象化するインターフェース。
// repository.SessionRepository が実装する。
type Purger interface {
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// Recorder は削除件数を記録するインターフェース。metrics.Collectorが実装する。
type Recorder interface {
	RecordSessionsPurged(count int64)
}

// CleanupJob は保持期間を超過したブラウザセッションの削除ジョブ。
// 削除対象がなくてもエラーにならない。
type CleanupJob struct {
	sessions      Purger
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int      // セッションの保持日数（デフォルト: 7）
	Recorder      Recorder // nil可
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions Purger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions:      sessions,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 7,
	}
}

// Run はRetentionDays日以上更新されていないセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	before := start.AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.sessions.DeleteStale(ctx, before)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	if j.Recorder != nil {
		j.Recorder.RecordSessionsPurged(deletedCount)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Loop はintervalごとにRunを実行する。ctxがキャンセルされるまで戻らない。
// 起動直後に1回実行する。
func (j *CleanupJob) Loop(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
