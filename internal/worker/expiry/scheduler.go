// Package expiry はアカウント有効期限の監視と通知のバックグラウンド処理を提供する。
// 一定間隔で期限接近アカウントを抽出し、通知条件を満たすものにDMを送り、
// サイクルの要約を管理チャンネルに投稿する。
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/inviteman/internal/metrics"
	"github.com/hitoshi/inviteman/internal/model"
	"github.com/hitoshi/inviteman/internal/notify"
	"github.com/hitoshi/inviteman/internal/repository"
)

// Config は通知判定のパラメータ。起動時のスナップショットとして注入され、
// 実行中に変化しない。
type Config struct {
	NoticeWindowDays         int   // 抽出対象とする先読み日数
	NotificationIntervalDays int   // 同一アカウントへの再通知間隔
	NotificationOffsets      []int // 通知対象とする残り日数の集合
	AdminChannelID           string
}

// Scheduler は有効期限通知のスケジューラ。
type Scheduler struct {
	inviteRepo repository.InviteRepository
	messenger  notify.Messenger
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	cfg        Config

	now func() time.Time // テスト用に現在時刻を差し替え可能
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	inviteRepo repository.InviteRepository,
	messenger notify.Messenger,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	cfg Config,
) *Scheduler {
	return &Scheduler{
		inviteRepo: inviteRepo,
		messenger:  messenger,
		logger:     logger,
		metrics:    collector,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// 最初の実行前にMessengerの準備完了を待ち、
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.logger.Info("有効期限通知スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("notice_window_days", s.cfg.NoticeWindowDays),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("有効期限通知スケジューラを停止しました")
		return
	case <-s.messenger.Ready():
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("通知サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("有効期限通知スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("通知サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は通知サイクルを1回実行する。
// 候補ごとの失敗はサイクル全体を止めず、要約に記録される。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	batchID := uuid.NewString()
	now := s.now()

	invites, err := s.inviteRepo.ListExpiring(ctx, s.cfg.NoticeWindowDays)
	if err != nil {
		return fmt.Errorf("failed to list expiring invites: %w", err)
	}

	if len(invites) == 0 {
		s.logger.Info("期限接近アカウントはありません",
			slog.String("batch_id", batchID),
		)
		return nil
	}

	s.logger.Info("通知サイクルを開始します",
		slog.String("batch_id", batchID),
		slog.Int("candidate_count", len(invites)),
	)

	var attempted, delivered, failed int
	var details []string

	for _, inv := range invites {
		if inv.AccountExpiresAt == nil {
			// 抽出条件上は起こらないはずだが、1候補の不整合でサイクルを止めない
			attempted++
			failed++
			s.metrics.RecordNotificationFailed()
			s.logger.Error("有効期限が未設定の候補を検出しました",
				slog.String("batch_id", batchID),
				slog.String("user_id", inv.UserID),
				slog.String("username", inv.Username),
			)
			details = append(details, fmt.Sprintf("✗ %s: 有効期限が未設定", inv.Username))
			continue
		}
		daysRemaining := daysUntil(*inv.AccountExpiresAt, now)
		if !s.isDue(inv, daysRemaining, now) {
			continue
		}

		attempted++
		if err := s.notifyOne(ctx, inv, daysRemaining, now); err != nil {
			failed++
			s.metrics.RecordNotificationFailed()
			s.logger.Error("有効期限通知の送信に失敗しました",
				slog.String("batch_id", batchID),
				slog.String("user_id", inv.UserID),
				slog.String("username", inv.Username),
				slog.String("error", err.Error()),
			)
			details = append(details, fmt.Sprintf("✗ %s（残り%d日）: %s", inv.Username, daysRemaining, err.Error()))
			continue
		}

		delivered++
		s.metrics.RecordNotificationSent()
		details = append(details, fmt.Sprintf("✓ %s（残り%d日）", inv.Username, daysRemaining))
	}

	if attempted > 0 && s.cfg.AdminChannelID != "" {
		summary := buildSummary(batchID, attempted, delivered, failed, details)
		for _, chunk := range notify.Chunk(summary) {
			if err := s.messenger.SendChannel(ctx, s.cfg.AdminChannelID, chunk); err != nil {
				s.logger.Error("サイクル要約の投稿に失敗しました",
					slog.String("batch_id", batchID),
					slog.String("error", err.Error()),
				)
				break
			}
		}
	}

	duration := time.Since(start)
	s.logger.Info("通知サイクルが完了しました",
		slog.String("batch_id", batchID),
		slog.Int("candidate_count", len(invites)),
		slog.Int("attempted", attempted),
		slog.Int("delivered", delivered),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// isDue は候補が今回のサイクルで通知対象かを判定する。
// 残り日数が設定オフセットに含まれ、かつ未通知または前回通知から
// 再通知間隔を超えている場合のみ対象となる。
func (s *Scheduler) isDue(inv *model.Invite, daysRemaining int, now time.Time) bool {
	member := false
	for _, offset := range s.cfg.NotificationOffsets {
		if daysRemaining == offset {
			member = true
			break
		}
	}
	if !member {
		return false
	}

	if inv.LastNotifiedAt == nil {
		return true
	}
	intervalSecs := int64(s.cfg.NotificationIntervalDays) * 86400
	return now.Unix()-*inv.LastNotifiedAt > intervalSecs
}

// notifyOne は1候補にDMを送り、成功時のみ通知時刻を記録する。
// 候補内のパニックはエラーに変換してサイクルを守る。
func (s *Scheduler) notifyOne(ctx context.Context, inv *model.Invite, daysRemaining int, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during notification: %v", r)
		}
	}()

	msg := notify.ExpiryNotice(inv.Username, inv.PlanType, time.Unix(*inv.AccountExpiresAt, 0), daysRemaining)
	if err := s.messenger.SendDM(ctx, inv.UserID, msg); err != nil {
		return err
	}

	// 送信が成功した場合のみ通知時刻を進める。失敗時は次サイクルで再試行される。
	if err := s.inviteRepo.UpdateLastNotified(ctx, inv.UserID, now.Unix()); err != nil {
		return fmt.Errorf("failed to update last notified: %w", err)
	}
	return nil
}

// daysUntil は現在からexpiresAtまでの残り日数（切り捨て）を返す。
func daysUntil(expiresAt int64, now time.Time) int {
	return int((expiresAt - now.Unix()) / 86400)
}

func buildSummary(batchID string, attempted, delivered, failed int, details []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "有効期限通知サイクル要約（batch: %s）\n", batchID)
	fmt.Fprintf(&b, "対象: %d件 / 送信成功: %d件 / 失敗: %d件\n", attempted, delivered, failed)
	for _, d := range details {
		b.WriteString(d)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
