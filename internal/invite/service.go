// Package invite は招待ライフサイクル操作（作成・延長・除去）を提供する。
// リモートアカウントAPIとローカル永続化をまたぐ各操作の順序と
// 失敗時の整合性ルールをこのパッケージに集約する。
package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/inviteman/internal/jfa"
	"github.com/hitoshi/inviteman/internal/metrics"
	"github.com/hitoshi/inviteman/internal/model"
	"github.com/hitoshi/inviteman/internal/notify"
	"github.com/hitoshi/inviteman/internal/repository"
)

// RemoteClient は招待操作が必要とするリモートAPI操作の集合。
type RemoteClient interface {
	GetProfiles(ctx context.Context) ([]string, error)
	CreateInvite(ctx context.Context, req jfa.CreateInviteRequest) error
	GetInviteCode(ctx context.Context, label string) (string, error)
	DeleteInvite(ctx context.Context, code string) error
	GetUserByUsername(ctx context.Context, username string) (*jfa.User, error)
	DeleteUserByUsername(ctx context.Context, username string) error
	ExtendUserExpiry(ctx context.Context, req jfa.ExtendRequest) error
}

// Config は招待操作のパラメータ。起動時のスナップショットとして注入される。
type Config struct {
	LinkValidityDays  int
	TrialDurationDays int
	TrialProfile      string
	InviteLinkBaseURL string
	PlanRoleMap       map[string]string // プラン名 → 付与するロール名
	TrialRoleName     string
	AdminLogChannelID string
}

// Admin は操作を実行した管理者の識別情報。監査レコードに記録される。
type Admin struct {
	ID       string
	Username string
}

// Target は招待対象のチャットユーザー。
type Target struct {
	UserID   string
	Username string
}

// Service は招待ライフサイクル操作の実装。
type Service struct {
	inviteRepo repository.InviteRepository
	actionRepo repository.ActionRepository
	userRepo   repository.RemoteUserRepository
	client     RemoteClient
	messenger  notify.Messenger
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	cfg        Config

	now func() time.Time // テスト用に現在時刻を差し替え可能
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	inviteRepo repository.InviteRepository,
	actionRepo repository.ActionRepository,
	userRepo repository.RemoteUserRepository,
	client RemoteClient,
	messenger notify.Messenger,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	cfg Config,
) *Service {
	return &Service{
		inviteRepo: inviteRepo,
		actionRepo: actionRepo,
		userRepo:   userRepo,
		client:     client,
		messenger:  messenger,
		logger:     logger,
		metrics:    collector,
		cfg:        cfg,
		now:        time.Now,
	}
}

// CreateResult は招待作成の結果。
type CreateResult struct {
	Code         string
	Label        string
	PlanType     string
	ExpiresAt    int64  // アカウント有効期限（epoch秒）
	ExistingNote string // 既存招待があった場合の分類メモ
}

// inviteLabel は招待の逆引きに使うラベルを生成する。
func inviteLabel(username string, now time.Time) string {
	return fmt.Sprintf("%s - %s", username, now.UTC().Format("2006-01-02"))
}

// classifyExisting は上書き対象となる既存招待の状態を分類する。
func classifyExisting(inv *model.Invite, now time.Time) string {
	switch {
	case inv == nil:
		return ""
	case inv.Claimed:
		return "既存の招待は引き換え済みです"
	case inv.LinkExpired(now):
		return "既存の招待はリンク失効済みです"
	default:
		return "未使用の有効な招待を上書きします"
	}
}

// CreateTrial はトライアル招待を作成する。
// リモートで招待を作成し、コードを解決してローカルに記録し、
// 監査・通知まで行う。リモート成功後のローカル失敗は重大な不整合として
// コードと対象を含めてログに残す。
func (s *Service) CreateTrial(ctx context.Context, admin Admin, target Target) (*CreateResult, error) {
	res, err := s.createInvite(ctx, admin, target, "Trial", s.cfg.TrialProfile, s.cfg.TrialDurationDays, model.ActionCreateTrialInvite)
	s.metrics.RecordInviteOperation("create_trial", err == nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.TrialRoleName != "" {
		if roleErr := s.messenger.GrantRole(ctx, target.UserID, s.cfg.TrialRoleName); roleErr != nil {
			s.logger.Warn("トライアルロールの付与に失敗しました",
				slog.String("user_id", target.UserID),
				slog.String("role", s.cfg.TrialRoleName),
				slog.String("error", roleErr.Error()),
			)
		}
	}
	return res, nil
}

// CreatePaid は有償プランの招待を作成する。
// 期間は月（30日換算）と日の合計で、正の値でなければならない。
// プランは現在のリモートプロファイルに存在しなければならない。
func (s *Service) CreatePaid(ctx context.Context, admin Admin, target Target, plan string, months, days int) (*CreateResult, error) {
	if months < 0 || days < 0 || months*30+days <= 0 {
		s.metrics.RecordInviteOperation("create_paid", false)
		return nil, model.NewInvalidDurationError()
	}

	profiles, err := s.client.GetProfiles(ctx)
	if err != nil {
		s.metrics.RecordInviteOperation("create_paid", false)
		return nil, fmt.Errorf("failed to fetch profiles: %w", err)
	}
	known := false
	for _, p := range profiles {
		if p == plan {
			known = true
			break
		}
	}
	if !known {
		s.metrics.RecordInviteOperation("create_paid", false)
		return nil, model.NewUnknownPlanError(plan, profiles)
	}

	res, err := s.createInvite(ctx, admin, target, plan, plan, months*30+days, model.ActionCreateUserInvite)
	s.metrics.RecordInviteOperation("create_paid", err == nil)
	if err != nil {
		return nil, err
	}
	if role, ok := s.cfg.PlanRoleMap[plan]; ok {
		if roleErr := s.messenger.GrantRole(ctx, target.UserID, role); roleErr != nil {
			s.logger.Warn("プランロールの付与に失敗しました",
				slog.String("user_id", target.UserID),
				slog.String("role", role),
				slog.String("error", roleErr.Error()),
			)
		}
	}
	return res, nil
}

// createInvite は招待作成の共通パス。
// リモート作成 → コード解決 → ローカル記録 → 監査 → 通知の順で進める。
func (s *Service) createInvite(ctx context.Context, admin Admin, target Target, planType, profile string, accountDays int, actionType model.ActionType) (*CreateResult, error) {
	now := s.now()
	label := inviteLabel(target.Username, now)

	existing, err := s.inviteRepo.FindByID(ctx, target.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing invite: %w", err)
	}
	existingNote := classifyExisting(existing, now)

	if err := s.client.CreateInvite(ctx, jfa.CreateInviteRequest{
		Label:       label,
		Profile:     profile,
		LinkDays:    s.cfg.LinkValidityDays,
		AccountDays: accountDays,
	}); err != nil {
		return nil, fmt.Errorf("failed to create remote invite: %w", err)
	}

	code, err := s.resolveCode(ctx, label)
	if err != nil {
		return nil, err
	}

	expiresAt := now.Unix() + int64(accountDays)*86400
	if err := s.inviteRepo.Record(ctx, target.UserID, target.Username, code, planType, &expiresAt); err != nil {
		// リモート側には既に招待が存在する。手動回収に必要な情報を必ず残す。
		s.logger.Error("リモート作成後のローカル記録に失敗しました（重大な不整合）",
			slog.String("user_id", target.UserID),
			slog.String("username", target.Username),
			slog.String("code", code),
			slog.String("label", label),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to record invite locally (remote code %s): %w", code, err)
	}

	s.audit(ctx, admin, target.UserID, target.Username, actionType,
		fmt.Sprintf("plan=%s code=%s account_days=%d", planType, code, accountDays))

	userMsg := notify.InviteNotice(target.Username, planType, code, s.cfg.InviteLinkBaseURL, accountDays)
	if dmErr := s.messenger.SendDM(ctx, target.UserID, userMsg); dmErr != nil {
		s.logger.Warn("招待通知のDM送信に失敗しました",
			slog.String("user_id", target.UserID),
			slog.String("error", dmErr.Error()),
		)
	}
	s.notifyAdminChannel(ctx, fmt.Sprintf("%s が %s に招待を発行しました（plan=%s, code=%s）",
		admin.Username, target.Username, planType, code))

	s.logger.Info("招待を作成しました",
		slog.String("admin_id", admin.ID),
		slog.String("user_id", target.UserID),
		slog.String("username", target.Username),
		slog.String("plan", planType),
		slog.String("code", code),
	)

	return &CreateResult{
		Code:         code,
		Label:        label,
		PlanType:     planType,
		ExpiresAt:    expiresAt,
		ExistingNote: existingNote,
	}, nil
}

// resolveCode はラベルから招待コードを解決する。
// 作成直後は一覧への反映が遅れることがあるため、不在時は1秒待って1回だけ再照会する。
func (s *Service) resolveCode(ctx context.Context, label string) (string, error) {
	code, err := s.client.GetInviteCode(ctx, label)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, jfa.ErrNotFound) {
		return "", fmt.Errorf("failed to resolve invite code: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(time.Second):
	}

	code, err = s.client.GetInviteCode(ctx, label)
	if err != nil {
		return "", &model.OpError{
			Code:     model.ErrCodeCodeUnresolved,
			Message:  fmt.Sprintf("作成した招待のコードを解決できませんでした: label=%q", label),
			Category: "remote",
			Action:   "リモート管理画面で招待の有無を確認してください。",
		}
	}
	return code, nil
}

// Extend は対象リモートユーザーの有効期限を延長する。
// 現在の期限（失効済み・無期限なら現在時刻）に指定期間を加算し、
// 絶対時刻指定でリモートに反映する。
func (s *Service) Extend(ctx context.Context, admin Admin, jfaUsername string, months, days, hours, minutes int, reason string) (int64, error) {
	if months < 0 || days < 0 || hours < 0 || minutes < 0 {
		s.metrics.RecordInviteOperation("extend", false)
		return 0, model.NewInvalidDurationError()
	}
	totalSecs := int64(months)*30*86400 + int64(days)*86400 + int64(hours)*3600 + int64(minutes)*60
	if totalSecs <= 0 {
		s.metrics.RecordInviteOperation("extend", false)
		return 0, model.NewInvalidDurationError()
	}

	user, err := s.client.GetUserByUsername(ctx, jfaUsername)
	if err != nil {
		s.metrics.RecordInviteOperation("extend", false)
		if errors.Is(err, jfa.ErrNotFound) {
			return 0, model.NewTargetNotFoundError(jfaUsername)
		}
		return 0, fmt.Errorf("failed to fetch remote user: %w", err)
	}

	now := s.now().Unix()
	base := user.Expiry
	if base <= now {
		base = now
	}
	newExpiry := base + totalSecs

	if err := s.client.ExtendUserExpiry(ctx, jfa.ExtendRequest{
		Username:       jfaUsername,
		ExactTimestamp: &newExpiry,
		Reason:         reason,
		Notify:         true,
	}); err != nil {
		s.metrics.RecordInviteOperation("extend", false)
		return 0, fmt.Errorf("failed to extend remote expiry: %w", err)
	}

	s.audit(ctx, admin, user.ID, jfaUsername, model.ActionExtendPlan,
		fmt.Sprintf("new_expiry=%d reason=%s", newExpiry, reason))

	// ミラーにチャットユーザーのリンクがあればDMでも知らせる
	if mirror, mErr := s.userRepo.FindByUsername(ctx, jfaUsername); mErr == nil && mirror != nil && mirror.DiscordID != "" {
		msg := fmt.Sprintf("%s さんのアカウント有効期限が %s まで延長されました。",
			jfaUsername, time.Unix(newExpiry, 0).UTC().Format("2006-01-02 15:04 UTC"))
		if dmErr := s.messenger.SendDM(ctx, mirror.DiscordID, msg); dmErr != nil {
			s.logger.Warn("延長通知のDM送信に失敗しました",
				slog.String("discord_id", mirror.DiscordID),
				slog.String("error", dmErr.Error()),
			)
		}
	}
	s.notifyAdminChannel(ctx, fmt.Sprintf("%s が %s の有効期限を延長しました（新期限: %s）",
		admin.Username, jfaUsername, time.Unix(newExpiry, 0).UTC().Format("2006-01-02")))

	s.metrics.RecordInviteOperation("extend", true)
	s.logger.Info("有効期限を延長しました",
		slog.String("admin_id", admin.ID),
		slog.String("jfa_username", jfaUsername),
		slog.Int64("new_expiry", newExpiry),
	)
	return newExpiry, nil
}

// audit は監査レコードを記録する。記録失敗は操作自体を失敗させず、ログに残す。
func (s *Service) audit(ctx context.Context, admin Admin, targetID, targetUsername string, actionType model.ActionType, details string) {
	action := &model.AdminAction{
		AdminID:        admin.ID,
		AdminUsername:  admin.Username,
		ActionType:     actionType,
		TargetUserID:   targetID,
		TargetUsername: targetUsername,
		Details:        details,
		PerformedAt:    s.now().Unix(),
	}
	if err := s.actionRepo.Record(ctx, action); err != nil {
		s.logger.Error("監査レコードの記録に失敗しました",
			slog.String("action_type", string(actionType)),
			slog.String("target_user_id", targetID),
			slog.String("error", err.Error()),
		)
	}
}

// notifyAdminChannel は管理チャンネルへの投稿をベストエフォートで行う。
func (s *Service) notifyAdminChannel(ctx context.Context, message string) {
	if s.cfg.AdminLogChannelID == "" {
		return
	}
	for _, chunk := range notify.Chunk(message) {
		if err := s.messenger.SendChannel(ctx, s.cfg.AdminLogChannelID, chunk); err != nil {
			s.logger.Warn("管理チャンネルへの投稿に失敗しました",
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// planRole はプラン名に対応するロール名を返す。対応が無ければ空文字列。
func (s *Service) planRole(planType string) string {
	if role, ok := s.cfg.PlanRoleMap[planType]; ok {
		return role
	}
	return ""
}

// isTrialPlan はプラン名がトライアル系か判定する。
func isTrialPlan(planType string) bool {
	return strings.Contains(strings.ToLower(planType), "trial")
}
