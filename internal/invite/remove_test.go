package invite

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/inviteman/internal/jfa"
	"github.com/hitoshi/inviteman/internal/model"
	"github.com/hitoshi/inviteman/internal/repository"
)

// --- 対象解決のテスト ---

func TestRemove_ResolvesByDirectID(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	deps.inviteRepo.findByIDFunc = func(ctx context.Context, userID string) (*model.Invite, error) {
		if userID == "123456789012345678" {
			return &model.Invite{UserID: userID, Username: "alice", Code: "abc", PlanType: "Premium"}, nil
		}
		return nil, nil
	}
	deps.userRepo.findByDiscordIDFunc = func(ctx context.Context, discordID string) (*model.RemoteUser, error) {
		return &model.RemoteUser{JfaID: "j1", Username: "alice_jf", DiscordID: discordID}, nil
	}

	var deletedUser string
	deps.remote.deleteUserByUsernameFunc = func(ctx context.Context, username string) error {
		deletedUser = username
		return nil
	}

	res, err := s.Remove(context.Background(), testAdmin, "123456789012345678")
	if err != nil {
		t.Fatalf("Remove がエラーを返した: %v", err)
	}

	if deletedUser != "alice_jf" {
		t.Errorf("削除対象のリモートユーザー名 = %q, want alice_jf", deletedUser)
	}
	if res.RemoteUser != model.OutcomeSuccess {
		t.Errorf("RemoteUser = %s, want success", res.RemoteUser)
	}
	if res.LowConfidence {
		t.Error("直接ID特定は低信頼ではない")
	}
}

func TestRemove_ResolvesByMention(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	var lookedUp string
	deps.inviteRepo.findByIDFunc = func(ctx context.Context, userID string) (*model.Invite, error) {
		lookedUp = userID
		return &model.Invite{UserID: userID, Username: "alice", Code: "abc"}, nil
	}

	_, err := s.Remove(context.Background(), testAdmin, "<@!123456789012345678>")
	if err != nil {
		t.Fatalf("Remove がエラーを返した: %v", err)
	}
	if lookedUp != "123456789012345678" {
		t.Errorf("メンションからID %q が抽出されるべき: got %q", "123456789012345678", lookedUp)
	}
}

func TestRemove_ResolvesByCachedUsername(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	deps.userRepo.findByUsernameFunc = func(ctx context.Context, username string) (*model.RemoteUser, error) {
		if username == "alice_jf" {
			return &model.RemoteUser{JfaID: "j1", Username: "alice_jf", DiscordID: "u1"}, nil
		}
		return nil, nil
	}
	deps.inviteRepo.findByIDFunc = func(ctx context.Context, userID string) (*model.Invite, error) {
		return &model.Invite{UserID: userID, Username: "alice", Code: "abc"}, nil
	}

	res, err := s.Remove(context.Background(), testAdmin, "alice_jf")
	if err != nil {
		t.Fatalf("Remove がエラーを返した: %v", err)
	}
	if res.LocalStatus != model.OutcomeSuccess {
		t.Errorf("ローカル招待も無効化されるべき: %s", res.LocalStatus)
	}
}

func TestRemove_AmbiguousLocalUsername_Aborts(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	deps.inviteRepo.findByUsernameFunc = func(ctx context.Context, username string) (*model.Invite, error) {
		return nil, repository.ErrAmbiguousUsername
	}

	_, err := s.Remove(context.Background(), testAdmin, "alice")
	var opErr *model.OpError
	if !errors.As(err, &opErr) || opErr.Code != model.ErrCodeAmbiguousTarget {
		t.Fatalf("AMBIGUOUS_TARGET エラーであるべき: got %v", err)
	}

	// 曖昧な場合は一切の削除を行わない
	if len(deps.inviteRepo.statusUpdates) != 0 {
		t.Error("曖昧な解決でステータスを変更してはならない")
	}
}

func TestRemove_ForceUsername_LowConfidence(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	// ローカルにもミラーにも存在しない識別子
	var deletedUser string
	deps.remote.deleteUserByUsernameFunc = func(ctx context.Context, username string) error {
		deletedUser = username
		return nil
	}

	res, err := s.Remove(context.Background(), testAdmin, "unknown_user")
	if err != nil {
		t.Fatalf("強制解決で続行するべき: %v", err)
	}

	if !res.LowConfidence {
		t.Error("強制解決は低信頼として明示されるべき")
	}
	if deletedUser != "unknown_user" {
		t.Errorf("識別子をそのままリモートユーザー名として使うべき: %q", deletedUser)
	}
	// ローカル招待が無いのでステータス遷移は未実施
	if res.LocalStatus != model.OutcomeNotAttempted {
		t.Errorf("LocalStatus = %s, want not_attempted", res.LocalStatus)
	}
}

// --- ステップ独立性のテスト ---

func TestRemove_RemoteFailure_LocalStillDisabled(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	deps.inviteRepo.findByIDFunc = func(ctx context.Context, userID string) (*model.Invite, error) {
		return &model.Invite{UserID: userID, Username: "alice", Code: "abc", PlanType: "Premium"}, nil
	}
	deps.userRepo.findByDiscordIDFunc = func(ctx context.Context, discordID string) (*model.RemoteUser, error) {
		return &model.RemoteUser{JfaID: "j1", Username: "alice_jf", DiscordID: discordID}, nil
	}
	deps.remote.deleteUserByUsernameFunc = func(ctx context.Context, username string) error {
		return errors.New("remote unavailable")
	}
	deps.remote.deleteInviteFunc = func(ctx context.Context, code string) error {
		return errors.New("remote unavailable")
	}

	res, err := s.Remove(context.Background(), testAdmin, "123456789012345678")
	if err != nil {
		t.Fatalf("リモート失敗でも操作全体は完了するべき: %v", err)
	}

	if res.RemoteUser != model.OutcomeFailed {
		t.Errorf("RemoteUser = %s, want failed", res.RemoteUser)
	}
	if res.RemoteInvite != model.OutcomeFailed {
		t.Errorf("RemoteInvite = %s, want failed", res.RemoteInvite)
	}
	// リモートの結果に関わらずローカルはdisabledになる
	if deps.inviteRepo.statusUpdates["123456789012345678"] != model.StatusDisabled {
		t.Error("ローカル招待はdisabledに遷移するべき")
	}
	if res.LocalStatus != model.OutcomeSuccess {
		t.Errorf("LocalStatus = %s, want success", res.LocalStatus)
	}
}

func TestRemove_RemoteNotFound_Informational(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	deps.inviteRepo.findByIDFunc = func(ctx context.Context, userID string) (*model.Invite, error) {
		return &model.Invite{UserID: userID, Username: "alice", Code: "abc"}, nil
	}
	deps.userRepo.findByDiscordIDFunc = func(ctx context.Context, discordID string) (*model.RemoteUser, error) {
		return &model.RemoteUser{JfaID: "j1", Username: "alice_jf", DiscordID: discordID}, nil
	}
	deps.remote.deleteUserByUsernameFunc = func(ctx context.Context, username string) error {
		return jfa.ErrNotFound
	}

	res, err := s.Remove(context.Background(), testAdmin, "123456789012345678")
	if err != nil {
		t.Fatalf("リモート不在は情報であってエラーではない: %v", err)
	}
	if res.RemoteUser != model.OutcomeNotFound {
		t.Errorf("RemoteUser = %s, want not_found", res.RemoteUser)
	}
	if res.LocalStatus != model.OutcomeSuccess {
		t.Errorf("ローカルの後始末は続行されるべき: %s", res.LocalStatus)
	}
}

// --- ロール剥奪のテスト ---

func TestRemove_RevokesPlanRole(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	deps.inviteRepo.findByIDFunc = func(ctx context.Context, userID string) (*model.Invite, error) {
		return &model.Invite{UserID: userID, Username: "alice", Code: "abc", PlanType: "Premium"}, nil
	}

	res, err := s.Remove(context.Background(), testAdmin, "123456789012345678")
	if err != nil {
		t.Fatalf("Remove がエラーを返した: %v", err)
	}

	if got := deps.messenger.revoked["123456789012345678"]; len(got) != 1 || got[0] != "Premium Member" {
		t.Errorf("プランロールが剥奪されるべき: %v", got)
	}
	if res.RoleReversion != model.OutcomeSuccess {
		t.Errorf("RoleReversion = %s, want success", res.RoleReversion)
	}
}

func TestRemove_TrialRolePreserved(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	deps.inviteRepo.findByIDFunc = func(ctx context.Context, userID string) (*model.Invite, error) {
		return &model.Invite{UserID: userID, Username: "alice", Code: "abc", PlanType: "Trial"}, nil
	}

	res, err := s.Remove(context.Background(), testAdmin, "123456789012345678")
	if err != nil {
		t.Fatalf("Remove がエラーを返した: %v", err)
	}

	// トライアルの付与実績は剥奪しない
	if len(deps.messenger.revoked) != 0 {
		t.Errorf("トライアルロールを剥奪してはならない: %v", deps.messenger.revoked)
	}
	if res.RoleReversion != model.OutcomeNotFound {
		t.Errorf("RoleReversion = %s, want not_found", res.RoleReversion)
	}
}

// --- 監査と要約のテスト ---

func TestRemove_SingleAuditRecordSummarizesSteps(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	deps.inviteRepo.findByIDFunc = func(ctx context.Context, userID string) (*model.Invite, error) {
		return &model.Invite{UserID: userID, Username: "alice", Code: "abc", PlanType: "Premium"}, nil
	}

	_, err := s.Remove(context.Background(), testAdmin, "123456789012345678")
	if err != nil {
		t.Fatalf("Remove がエラーを返した: %v", err)
	}

	if len(deps.actionRepo.actions) != 1 {
		t.Fatalf("監査レコード数 = %d, want 1", len(deps.actionRepo.actions))
	}
	action := deps.actionRepo.actions[0]
	if action.ActionType != model.ActionRemoveInvite {
		t.Errorf("操作種別 = %s, want %s", action.ActionType, model.ActionRemoveInvite)
	}
	for _, step := range []string{"remote_user=", "remote_invite=", "local="} {
		if !strings.Contains(action.Details, step) {
			t.Errorf("監査詳細に %q が含まれるべき: %s", step, action.Details)
		}
	}
}

func TestRemoveResult_SummaryRendersOutcomes(t *testing.T) {
	r := &RemoveResult{
		Identification: "チャットユーザーIDで特定",
		RemoteUser:     model.OutcomeSuccess,
		RemoteInvite:   model.OutcomeNotFound,
		RoleReversion:  model.OutcomeNotAttempted,
		LocalStatus:    model.OutcomeFailed,
		Notes:          []string{"ローカル更新: disk full"},
	}
	s := r.Summary()

	for _, want := range []string{"成功", "対象なし", "未実施", "失敗", "disk full"} {
		if !strings.Contains(s, want) {
			t.Errorf("要約に %q が含まれるべき: %s", want, s)
		}
	}
}

func TestRemove_EmptyIdentifier(t *testing.T) {
	s, _ := newTestService(t, time.Now())
	_, err := s.Remove(context.Background(), testAdmin, "   ")
	var opErr *model.OpError
	if !errors.As(err, &opErr) || opErr.Code != model.ErrCodeTargetNotFound {
		t.Errorf("TARGET_NOT_FOUND エラーであるべき: got %v", err)
	}
}
