package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/inviteman/internal/jfa"
	"github.com/hitoshi/inviteman/internal/model"
)

// RemoveResult は除去操作のステップ別結果。
// 各ステップは独立に試行され、先行ステップの失敗で後続が中止されることはない
// （対象解決の失敗を除く）。
type RemoveResult struct {
	Identification string        // どの経路で対象を特定したか
	LowConfidence  bool          // 強制解決による低信頼の特定
	RemoteUser     model.Outcome // リモートアカウントの削除
	RemoteInvite   model.Outcome // リモート招待コードの削除
	RoleReversion  model.Outcome // プランロールの剥奪
	LocalStatus    model.Outcome // ローカル招待のdisabled遷移
	Notes          []string
}

// Summary は結果を管理者向けの1メッセージに整形する。
func (r *RemoveResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "除去結果（%s）\n", r.Identification)
	fmt.Fprintf(&b, "リモートアカウント削除: %s\n", outcomeLabel(r.RemoteUser))
	fmt.Fprintf(&b, "リモート招待削除: %s\n", outcomeLabel(r.RemoteInvite))
	fmt.Fprintf(&b, "ロール剥奪: %s\n", outcomeLabel(r.RoleReversion))
	fmt.Fprintf(&b, "ローカルステータス: %s", outcomeLabel(r.LocalStatus))
	for _, n := range r.Notes {
		b.WriteString("\n- ")
		b.WriteString(n)
	}
	return b.String()
}

func outcomeLabel(o model.Outcome) string {
	switch o {
	case model.OutcomeSuccess:
		return "成功"
	case model.OutcomeNotFound:
		return "対象なし"
	case model.OutcomeFailed:
		return "失敗"
	default:
		return "未実施"
	}
}

// Remove は対象の招待とアカウントを除去する。
// 識別子から対象を解決した後、リモートアカウント削除・リモート招待削除・
// ロール剥奪を独立に試行し、リモート結果に関わらずローカル招待を
// disabledに遷移させる。全ステップを1件の監査レコードにまとめる。
func (s *Service) Remove(ctx context.Context, admin Admin, identifier string) (*RemoveResult, error) {
	res, err := s.resolveTarget(ctx, identifier)
	if err != nil {
		s.metrics.RecordInviteOperation("remove", false)
		return nil, err
	}

	result := &RemoveResult{
		Identification: res.note,
		LowConfidence:  res.lowConfidence,
		RemoteUser:     model.OutcomeNotAttempted,
		RemoteInvite:   model.OutcomeNotAttempted,
		RoleReversion:  model.OutcomeNotAttempted,
		LocalStatus:    model.OutcomeNotAttempted,
	}
	if res.lowConfidence {
		result.Notes = append(result.Notes, "低信頼の特定です。対象を確認してください。")
	}

	// リモートアカウントの削除
	if res.jfaUsername != "" {
		switch err := s.client.DeleteUserByUsername(ctx, res.jfaUsername); {
		case err == nil:
			result.RemoteUser = model.OutcomeSuccess
		case errors.Is(err, jfa.ErrNotFound):
			result.RemoteUser = model.OutcomeNotFound
		default:
			result.RemoteUser = model.OutcomeFailed
			result.Notes = append(result.Notes, fmt.Sprintf("リモートアカウント削除: %v", err))
			s.logger.Error("リモートアカウントの削除に失敗しました",
				slog.String("jfa_username", res.jfaUsername),
				slog.String("error", err.Error()),
			)
		}
	} else {
		result.Notes = append(result.Notes, "リモートユーザー名が不明のためアカウント削除は未実施")
	}

	// リモート招待コードの削除
	if res.invite != nil && res.invite.Code != "" {
		switch err := s.client.DeleteInvite(ctx, res.invite.Code); {
		case err == nil:
			result.RemoteInvite = model.OutcomeSuccess
		case errors.Is(err, jfa.ErrNotFound):
			result.RemoteInvite = model.OutcomeNotFound
		default:
			result.RemoteInvite = model.OutcomeFailed
			result.Notes = append(result.Notes, fmt.Sprintf("リモート招待削除: %v", err))
			s.logger.Error("リモート招待の削除に失敗しました",
				slog.String("code", res.invite.Code),
				slog.String("error", err.Error()),
			)
		}
	}

	// プランロールの剥奪。トライアルの付与実績は保持する。
	if res.invite != nil && res.userID != "" {
		if role := s.planRole(res.invite.PlanType); role != "" && !isTrialPlan(res.invite.PlanType) {
			if err := s.messenger.RevokeRole(ctx, res.userID, role); err != nil {
				result.RoleReversion = model.OutcomeFailed
				result.Notes = append(result.Notes, fmt.Sprintf("ロール剥奪: %v", err))
			} else {
				result.RoleReversion = model.OutcomeSuccess
			}
		} else {
			result.RoleReversion = model.OutcomeNotFound
		}
	}

	// リモートの結果に関わらずローカルはdisabledに遷移させる
	if res.userID != "" {
		affected, err := s.inviteRepo.UpdateStatus(ctx, res.userID, model.StatusDisabled)
		switch {
		case err != nil:
			result.LocalStatus = model.OutcomeFailed
			result.Notes = append(result.Notes, fmt.Sprintf("ローカル更新: %v", err))
			s.logger.Error("ローカル招待の無効化に失敗しました",
				slog.String("user_id", res.userID),
				slog.String("error", err.Error()),
			)
		case affected:
			result.LocalStatus = model.OutcomeSuccess
		default:
			result.LocalStatus = model.OutcomeNotFound
		}
	}

	s.audit(ctx, admin, res.userID, res.username, model.ActionRemoveInvite,
		fmt.Sprintf("identification=%s remote_user=%s remote_invite=%s role=%s local=%s",
			res.note, result.RemoteUser, result.RemoteInvite, result.RoleReversion, result.LocalStatus))

	s.notifyAdminChannel(ctx, fmt.Sprintf("%s が %s を除去しました\n%s",
		admin.Username, res.username, result.Summary()))

	s.metrics.RecordInviteOperation("remove", true)
	s.logger.Info("除去操作が完了しました",
		slog.String("admin_id", admin.ID),
		slog.String("identifier", identifier),
		slog.String("identification", res.note),
		slog.String("remote_user", string(result.RemoteUser)),
		slog.String("remote_invite", string(result.RemoteInvite)),
		slog.String("local_status", string(result.LocalStatus)),
	)
	return result, nil
}
