// Package usersync はリモートアカウント一覧のローカルミラー同期を提供する。
package usersync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/inviteman/internal/jfa"
	"github.com/hitoshi/inviteman/internal/metrics"
	"github.com/hitoshi/inviteman/internal/model"
	"github.com/hitoshi/inviteman/internal/notify"
	"github.com/hitoshi/inviteman/internal/repository"
)

// UserLister はリモートの全ユーザー一覧を取得するインターフェース。
type UserLister interface {
	ListUsers(ctx context.Context) ([]jfa.User, error)
}

// Job はリモートユーザーミラーの同期ジョブ。
// 一覧取得に失敗したサイクルは全体をスキップし、ミラーを部分更新しない。
type Job struct {
	lister    UserLister
	userRepo  repository.RemoteUserRepository
	messenger notify.Messenger
	logger    *slog.Logger
	metrics   metrics.MetricsCollector

	now func() time.Time // テスト用に現在時刻を差し替え可能
}

// NewJob はJobの新しいインスタンスを生成する。
func NewJob(
	lister UserLister,
	userRepo repository.RemoteUserRepository,
	messenger notify.Messenger,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Job {
	return &Job{
		lister:    lister,
		userRepo:  userRepo,
		messenger: messenger,
		logger:    logger,
		metrics:   collector,
		now:       time.Now,
	}
}

// Start は指定間隔のティッカーで同期ジョブを起動する。
// 最初の実行前にMessengerの準備完了を待つ。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("ユーザー同期ジョブを開始しました",
		slog.Duration("interval", interval),
	)

	select {
	case <-ctx.Done():
		j.logger.Info("ユーザー同期ジョブを停止しました")
		return
	case <-j.messenger.Ready():
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 起動直後に1回実行
	if err := j.RunOnce(ctx); err != nil {
		j.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("ユーザー同期ジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil {
				j.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は同期サイクルを1回実行する。
// リモート一覧の取得に失敗した場合はミラーを一切変更せずエラーを返す。
func (j *Job) RunOnce(ctx context.Context) error {
	start := time.Now()

	remoteUsers, err := j.lister.ListUsers(ctx)
	if err != nil {
		j.metrics.RecordSyncRun(false)
		return fmt.Errorf("failed to list remote users: %w", err)
	}

	now := j.now().Unix()
	users := make([]*model.RemoteUser, 0, len(remoteUsers))
	for _, u := range remoteUsers {
		var expiresAt *int64
		if u.Expiry > 0 {
			e := u.Expiry
			expiresAt = &e
		}
		users = append(users, &model.RemoteUser{
			JfaID:        u.ID,
			Username:     u.Name,
			DiscordID:    u.DiscordID,
			Email:        u.Email,
			ExpiresAt:    expiresAt,
			Disabled:     u.Disabled,
			IsAdmin:      u.Admin,
			CanInvite:    u.CanInvite,
			LastSyncedAt: now,
		})
	}

	if err := j.userRepo.UpsertAll(ctx, users); err != nil {
		j.metrics.RecordSyncRun(false)
		return fmt.Errorf("failed to upsert remote users: %w", err)
	}

	j.metrics.RecordSyncRun(true)
	j.metrics.RecordSyncedUsers(len(users))

	duration := time.Since(start)
	j.logger.Info("同期サイクルが完了しました",
		slog.Int("user_count", len(users)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}
