// Package cleanup は期限切れリセットトークンの定期削除ジョブを提供する。
// 有効期限から保持期間（デフォルト24時間）を過ぎたトークンを、
// 使用済み・未使用を問わずアカウントから取り除く。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/chatauth/internal/metrics"
)

// DefaultRetention は有効期限切れトークンを残しておく期間。
const DefaultRetention = 24 * time.Hour

// Pruner は期限切れリセットトークンを削除するストアのインターフェース。
// repository.AccountRepositoryが実装する。
type Pruner interface {
	PruneResetTokens(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は期限切れリセットトークンの削除ジョブ。
// 削除対象がなくてもエラーにならず、何度実行しても同じ結果になる。
type CleanupJob struct {
	store     Pruner
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	Retention time.Duration
	now       func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewCleanupJob(store Pruner, logger *slog.Logger, collector metrics.MetricsCollector) *CleanupJob {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &CleanupJob{
		store:     store,
		logger:    logger,
		metrics:   collector,
		Retention: DefaultRetention,
		now:       time.Now,
	}
}

// Run は有効期限がRetentionより前のリセットトークンを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	before := j.now().UTC().Add(-j.Retention)

	pruned, err := j.store.PruneResetTokens(ctx, before)
	if err != nil {
		j.logger.Error("リセットトークンのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("failed to prune reset tokens: %w", err)
	}

	j.metrics.RecordResetTokensPruned(pruned)
	j.logger.Info("リセットトークンのクリーンアップが完了しました",
		slog.Int64("pruned_accounts", pruned),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、その後interval毎にRunを実行する。
// ctxがキャンセルされるまでブロックする。失敗はログに記録して次の周期で再試行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
