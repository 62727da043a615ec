// Package cleanup はアイドルセッションの自動終了ジョブを提供する。
// 最終操作からタイムアウトを超過したセッションと有効期限切れのセッションを
// 定期的に終了させ、ユーザーのセッション履歴に記録する。
// 平均センチメントなどの集計値は書き換えないため、APIとは別プロセスで実行できる。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper はアイドルセッションを終了させるインターフェース。session.Managerが実装する。
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Recorder は終了させたセッション数を記録する。
type Recorder interface {
	RecordSessionsClosed(reason string, count int)
}

// SweepJob はアイドルセッションの終了ジョブ。
type SweepJob struct {
	sweeper  Sweeper
	recorder Recorder
	logger   *slog.Logger
}

// NewSweepJob は新しいSweepJobを生成する。recorderはnilでもよい。
func NewSweepJob(sweeper Sweeper, recorder Recorder, logger *slog.Logger) *SweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{
		sweeper:  sweeper,
		recorder: recorder,
		logger:   logger,
	}
}

// Run はアイドルセッションを1回掃除する。
// 冪等: 対象がない場合でもエラーにならない。
func (j *SweepJob) Run(ctx context.Context) error {
	start := time.Now()

	closed, err := j.sweeper.Sweep(ctx)
	if closed > 0 && j.recorder != nil {
		j.recorder.RecordSessionsClosed("sweep", closed)
	}
	if err != nil {
		j.logger.Error("セッション掃除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("closed_count", closed),
		)
		return fmt.Errorf("セッション掃除の実行に失敗: %w", err)
	}

	j.logger.Info("セッション掃除ジョブが完了しました",
		slog.Int("closed_count", closed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *SweepJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("セッション掃除ジョブを開始しました", slog.Duration("interval", interval))

	// 失敗はRun内でログ出力済み。次の周期で再試行する。
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッション掃除ジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
