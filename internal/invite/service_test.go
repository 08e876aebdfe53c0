package invite

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/inviteman/internal/jfa"
	"github.com/hitoshi/inviteman/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// mockRemote はRemoteClientのモック。
type mockRemote struct {
	getProfilesFunc          func(ctx context.Context) ([]string, error)
	createInviteFunc         func(ctx context.Context, req jfa.CreateInviteRequest) error
	getInviteCodeFunc        func(ctx context.Context, label string) (string, error)
	deleteInviteFunc         func(ctx context.Context, code string) error
	getUserByUsernameFunc    func(ctx context.Context, username string) (*jfa.User, error)
	deleteUserByUsernameFunc func(ctx context.Context, username string) error
	extendUserExpiryFunc     func(ctx context.Context, req jfa.ExtendRequest) error
}

func (m *mockRemote) GetProfiles(ctx context.Context) ([]string, error) {
	if m.getProfilesFunc != nil {
		return m.getProfilesFunc(ctx)
	}
	return []string{"Default Profile"}, nil
}

func (m *mockRemote) CreateInvite(ctx context.Context, req jfa.CreateInviteRequest) error {
	if m.createInviteFunc != nil {
		return m.createInviteFunc(ctx, req)
	}
	return nil
}

func (m *mockRemote) GetInviteCode(ctx context.Context, label string) (string, error) {
	if m.getInviteCodeFunc != nil {
		return m.getInviteCodeFunc(ctx, label)
	}
	return "code123", nil
}

func (m *mockRemote) DeleteInvite(ctx context.Context, code string) error {
	if m.deleteInviteFunc != nil {
		return m.deleteInviteFunc(ctx, code)
	}
	return nil
}

func (m *mockRemote) GetUserByUsername(ctx context.Context, username string) (*jfa.User, error) {
	if m.getUserByUsernameFunc != nil {
		return m.getUserByUsernameFunc(ctx, username)
	}
	return nil, jfa.ErrNotFound
}

func (m *mockRemote) DeleteUserByUsername(ctx context.Context, username string) error {
	if m.deleteUserByUsernameFunc != nil {
		return m.deleteUserByUsernameFunc(ctx, username)
	}
	return nil
}

func (m *mockRemote) ExtendUserExpiry(ctx context.Context, req jfa.ExtendRequest) error {
	if m.extendUserExpiryFunc != nil {
		return m.extendUserExpiryFunc(ctx, req)
	}
	return nil
}

// mockInviteRepo はInviteRepositoryのモック。記録内容を保持する。
type mockInviteRepo struct {
	findByIDFunc       func(ctx context.Context, userID string) (*model.Invite, error)
	findByUsernameFunc func(ctx context.Context, username string) (*model.Invite, error)
	recordFunc         func(ctx context.Context, userID, username, code, planType string, accountExpiresAt *int64) error

	mu             sync.Mutex
	recorded       []string // userID
	statusUpdates  map[string]model.Status
	recordedCodes  map[string]string
	recordedPlans  map[string]string
	recordedExpiry map[string]*int64
}

func newMockInviteRepo() *mockInviteRepo {
	return &mockInviteRepo{
		statusUpdates:  make(map[string]model.Status),
		recordedCodes:  make(map[string]string),
		recordedPlans:  make(map[string]string),
		recordedExpiry: make(map[string]*int64),
	}
}

func (m *mockInviteRepo) FindByID(ctx context.Context, userID string) (*model.Invite, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, userID)
	}
	return nil, nil
}

func (m *mockInviteRepo) FindByUsername(ctx context.Context, username string) (*model.Invite, error) {
	if m.findByUsernameFunc != nil {
		return m.findByUsernameFunc(ctx, username)
	}
	return nil, nil
}

func (m *mockInviteRepo) Record(ctx context.Context, userID, username, code, planType string, accountExpiresAt *int64) error {
	if m.recordFunc != nil {
		if err := m.recordFunc(ctx, userID, username, code, planType, accountExpiresAt); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.recorded = append(m.recorded, userID)
	m.recordedCodes[userID] = code
	m.recordedPlans[userID] = planType
	m.recordedExpiry[userID] = accountExpiresAt
	m.mu.Unlock()
	return nil
}

func (m *mockInviteRepo) MarkClaimed(ctx context.Context, userID string) error { return nil }

func (m *mockInviteRepo) Delete(ctx context.Context, userID string) (bool, error) {
	return false, nil
}

func (m *mockInviteRepo) UpdateStatus(ctx context.Context, userID string, status model.Status) (bool, error) {
	m.mu.Lock()
	m.statusUpdates[userID] = status
	m.mu.Unlock()
	return true, nil
}

func (m *mockInviteRepo) SetJfaUserID(ctx context.Context, userID, jfaUserID string) error {
	return nil
}

func (m *mockInviteRepo) UpdateLastNotified(ctx context.Context, userID string, timestamp int64) error {
	return nil
}

func (m *mockInviteRepo) ClearAccountExpiry(ctx context.Context, userID string) error { return nil }

func (m *mockInviteRepo) ListExpiring(ctx context.Context, noticeWindowDays int) ([]*model.Invite, error) {
	return nil, nil
}

// mockActionRepo はActionRepositoryのモック。監査レコードを保持する。
type mockActionRepo struct {
	mu      sync.Mutex
	actions []*model.AdminAction
}

func (m *mockActionRepo) Record(ctx context.Context, action *model.AdminAction) error {
	m.mu.Lock()
	m.actions = append(m.actions, action)
	m.mu.Unlock()
	return nil
}

// mockRemoteUserRepo はRemoteUserRepositoryのモック。
type mockRemoteUserRepo struct {
	findByIDFunc        func(ctx context.Context, jfaID string) (*model.RemoteUser, error)
	findByUsernameFunc  func(ctx context.Context, username string) (*model.RemoteUser, error)
	findByDiscordIDFunc func(ctx context.Context, discordID string) (*model.RemoteUser, error)
}

func (m *mockRemoteUserRepo) UpsertAll(ctx context.Context, users []*model.RemoteUser) error {
	return nil
}

func (m *mockRemoteUserRepo) FindByID(ctx context.Context, jfaID string) (*model.RemoteUser, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, jfaID)
	}
	return nil, nil
}

func (m *mockRemoteUserRepo) FindByUsername(ctx context.Context, username string) (*model.RemoteUser, error) {
	if m.findByUsernameFunc != nil {
		return m.findByUsernameFunc(ctx, username)
	}
	return nil, nil
}

func (m *mockRemoteUserRepo) FindByDiscordID(ctx context.Context, discordID string) (*model.RemoteUser, error) {
	if m.findByDiscordIDFunc != nil {
		return m.findByDiscordIDFunc(ctx, discordID)
	}
	return nil, nil
}

// fakeMessenger はnotify.Messengerのフェイク。
type fakeMessenger struct {
	mu           sync.Mutex
	dms          map[string][]string
	channelPosts []string
	granted      map[string][]string
	revoked      map[string][]string
	ready        chan struct{}
}

func newFakeMessenger() *fakeMessenger {
	ready := make(chan struct{})
	close(ready)
	return &fakeMessenger{
		dms:     make(map[string][]string),
		granted: make(map[string][]string),
		revoked: make(map[string][]string),
		ready:   ready,
	}
}

func (f *fakeMessenger) SendDM(ctx context.Context, userID, message string) error {
	f.mu.Lock()
	f.dms[userID] = append(f.dms[userID], message)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) SendChannel(ctx context.Context, channelID, message string) error {
	f.mu.Lock()
	f.channelPosts = append(f.channelPosts, message)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) GrantRole(ctx context.Context, userID, roleName string) error {
	f.mu.Lock()
	f.granted[userID] = append(f.granted[userID], roleName)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) RevokeRole(ctx context.Context, userID, roleName string) error {
	f.mu.Lock()
	f.revoked[userID] = append(f.revoked[userID], roleName)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) Ready() <-chan struct{} { return f.ready }

type noopCollector struct{}

func (noopCollector) RecordNotificationSent() {}
func (noopCollector) RecordNotificationFailed() {}
func (noopCollector) RecordSyncRun(success bool) {}
func (noopCollector) RecordSyncedUsers(count int) {}
func (noopCollector) RecordAPICall(statusCode int) {}
func (noopCollector) RecordAPILatency(duration time.Duration) {}
func (noopCollector) RecordInviteOperation(operation string, success bool) {}

func testConfig() Config {
	return Config{
		LinkValidityDays:  1,
		TrialDurationDays: 3,
		TrialProfile:      "Default Profile",
		InviteLinkBaseURL: "https://invite.example.com",
		PlanRoleMap:       map[string]string{"Premium": "Premium Member"},
		TrialRoleName:     "Trial",
		AdminLogChannelID: "admin-channel",
	}
}

type testDeps struct {
	inviteRepo *mockInviteRepo
	actionRepo *mockActionRepo
	userRepo   *mockRemoteUserRepo
	remote     *mockRemote
	messenger  *fakeMessenger
}

func newTestService(t *testing.T, now time.Time) (*Service, *testDeps) {
	t.Helper()
	deps := &testDeps{
		inviteRepo: newMockInviteRepo(),
		actionRepo: &mockActionRepo{},
		userRepo:   &mockRemoteUserRepo{},
		remote:     &mockRemote{},
		messenger:  newFakeMessenger(),
	}
	var buf bytes.Buffer
	s := NewService(deps.inviteRepo, deps.actionRepo, deps.userRepo, deps.remote,
		deps.messenger, newTestLogger(&buf), noopCollector{}, testConfig())
	s.now = func() time.Time { return now }
	return s, deps
}

var testAdmin = Admin{ID: "admin1", Username: "admin"}

// --- トライアル作成のテスト ---

func TestCreateTrial_FullPath(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, deps := newTestService(t, now)

	var createdReq jfa.CreateInviteRequest
	deps.remote.createInviteFunc = func(ctx context.Context, req jfa.CreateInviteRequest) error {
		createdReq = req
		return nil
	}

	res, err := s.CreateTrial(context.Background(), testAdmin, Target{UserID: "u1", Username: "alice"})
	if err != nil {
		t.Fatalf("CreateTrial がエラーを返した: %v", err)
	}

	if createdReq.Label != "alice - 2025-06-01" {
		t.Errorf("ラベル = %q, want %q", createdReq.Label, "alice - 2025-06-01")
	}
	if createdReq.Profile != "Default Profile" {
		t.Errorf("プロファイル = %q, want Default Profile", createdReq.Profile)
	}
	if createdReq.AccountDays != 3 {
		t.Errorf("アカウント有効日数 = %d, want 3", createdReq.AccountDays)
	}

	if res.Code != "code123" {
		t.Errorf("コード = %q, want code123", res.Code)
	}
	wantExpiry := now.Unix() + 3*86400
	if res.ExpiresAt != wantExpiry {
		t.Errorf("有効期限 = %d, want %d", res.ExpiresAt, wantExpiry)
	}

	// ローカル記録
	if deps.inviteRepo.recordedCodes["u1"] != "code123" {
		t.Error("招待がローカルに記録されるべき")
	}
	if deps.inviteRepo.recordedPlans["u1"] != "Trial" {
		t.Errorf("プラン = %q, want Trial", deps.inviteRepo.recordedPlans["u1"])
	}

	// 監査
	if len(deps.actionRepo.actions) != 1 {
		t.Fatalf("監査レコード数 = %d, want 1", len(deps.actionRepo.actions))
	}
	if deps.actionRepo.actions[0].ActionType != model.ActionCreateTrialInvite {
		t.Errorf("操作種別 = %s, want %s", deps.actionRepo.actions[0].ActionType, model.ActionCreateTrialInvite)
	}

	// 通知とロール
	if len(deps.messenger.dms["u1"]) != 1 {
		t.Error("対象ユーザーにDMが送られるべき")
	}
	if !strings.Contains(deps.messenger.dms["u1"][0], "https://invite.example.com/code123") {
		t.Errorf("DMに招待リンクが含まれるべき: %s", deps.messenger.dms["u1"][0])
	}
	if len(deps.messenger.channelPosts) != 1 {
		t.Error("管理チャンネルに投稿されるべき")
	}
	if got := deps.messenger.granted["u1"]; len(got) != 1 || got[0] != "Trial" {
		t.Errorf("トライアルロールが付与されるべき: %v", got)
	}
}

func TestCreateTrial_CodeResolvedOnSecondAttempt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, deps := newTestService(t, now)

	calls := 0
	deps.remote.getInviteCodeFunc = func(ctx context.Context, label string) (string, error) {
		calls++
		if calls == 1 {
			return "", jfa.ErrNotFound
		}
		return "late123", nil
	}

	res, err := s.CreateTrial(context.Background(), testAdmin, Target{UserID: "u1", Username: "alice"})
	if err != nil {
		t.Fatalf("再照会で解決するべき: %v", err)
	}
	if res.Code != "late123" {
		t.Errorf("コード = %q, want late123", res.Code)
	}
	if calls != 2 {
		t.Errorf("照会回数 = %d, want 2", calls)
	}
}

func TestCreateTrial_CodeUnresolved(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	deps.remote.getInviteCodeFunc = func(ctx context.Context, label string) (string, error) {
		return "", jfa.ErrNotFound
	}

	_, err := s.CreateTrial(context.Background(), testAdmin, Target{UserID: "u1", Username: "alice"})
	if err == nil {
		t.Fatal("コード未解決時はエラーが返されるべき")
	}
	var opErr *model.OpError
	if !errors.As(err, &opErr) || opErr.Code != model.ErrCodeCodeUnresolved {
		t.Errorf("CODE_UNRESOLVED エラーであるべき: got %v", err)
	}
}

func TestCreateTrial_LocalRecordFailure_Critical(t *testing.T) {
	var logBuf bytes.Buffer
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	deps := &testDeps{
		inviteRepo: newMockInviteRepo(),
		actionRepo: &mockActionRepo{},
		userRepo:   &mockRemoteUserRepo{},
		remote:     &mockRemote{},
		messenger:  newFakeMessenger(),
	}
	deps.inviteRepo.recordFunc = func(ctx context.Context, userID, username, code, planType string, accountExpiresAt *int64) error {
		return errors.New("disk full")
	}
	s := NewService(deps.inviteRepo, deps.actionRepo, deps.userRepo, deps.remote,
		deps.messenger, newTestLogger(&logBuf), noopCollector{}, testConfig())
	s.now = func() time.Time { return now }

	_, err := s.CreateTrial(context.Background(), testAdmin, Target{UserID: "u1", Username: "alice"})
	if err == nil {
		t.Fatal("ローカル記録失敗時はエラーが返されるべき")
	}
	if !strings.Contains(err.Error(), "code123") {
		t.Errorf("エラーにリモートコードが含まれるべき: %v", err)
	}

	// 手動回収に必要な情報がログに残ること
	logOutput := logBuf.String()
	if !strings.Contains(logOutput, "code123") || !strings.Contains(logOutput, "u1") {
		t.Errorf("不整合ログにコードと対象が含まれるべき: %s", logOutput)
	}
}

func TestCreateTrial_ExistingInviteClassified(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, deps := newTestService(t, now)
	deps.inviteRepo.findByIDFunc = func(ctx context.Context, userID string) (*model.Invite, error) {
		return &model.Invite{UserID: userID, Username: "alice", Claimed: true}, nil
	}

	res, err := s.CreateTrial(context.Background(), testAdmin, Target{UserID: "u1", Username: "alice"})
	if err != nil {
		t.Fatalf("CreateTrial がエラーを返した: %v", err)
	}
	if !strings.Contains(res.ExistingNote, "引き換え済み") {
		t.Errorf("既存招待の分類メモが返されるべき: %q", res.ExistingNote)
	}
}

// --- 有料プラン作成のテスト ---

func TestCreatePaid_RejectsNonPositiveDuration(t *testing.T) {
	s, _ := newTestService(t, time.Now())

	cases := []struct {
		name   string
		months int
		days   int
	}{
		{"ゼロ", 0, 0},
		{"負の月", -1, 10},
		{"負の日", 1, -40},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreatePaid(context.Background(), testAdmin, Target{UserID: "u1", Username: "alice"}, "Premium", tc.months, tc.days)
			var opErr *model.OpError
			if !errors.As(err, &opErr) || opErr.Code != model.ErrCodeInvalidDuration {
				t.Errorf("INVALID_DURATION エラーであるべき: got %v", err)
			}
		})
	}
}

func TestCreatePaid_UnknownPlanRejected(t *testing.T) {
	s, deps := newTestService(t, time.Now())
	deps.remote.getProfilesFunc = func(ctx context.Context) ([]string, error) {
		return []string{"Default Profile", "Premium"}, nil
	}

	_, err := s.CreatePaid(context.Background(), testAdmin, Target{UserID: "u1", Username: "alice"}, "Platinum", 1, 0)
	var opErr *model.OpError
	if !errors.As(err, &opErr) || opErr.Code != model.ErrCodeUnknownPlan {
		t.Errorf("UNKNOWN_PLAN エラーであるべき: got %v", err)
	}
}

func TestCreatePaid_MonthsConvertedTo30Days(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, deps := newTestService(t, now)
	deps.remote.getProfilesFunc = func(ctx context.Context) ([]string, error) {
		return []string{"Premium"}, nil
	}
	var createdReq jfa.CreateInviteRequest
	deps.remote.createInviteFunc = func(ctx context.Context, req jfa.CreateInviteRequest) error {
		createdReq = req
		return nil
	}

	res, err := s.CreatePaid(context.Background(), testAdmin, Target{UserID: "u1", Username: "alice"}, "Premium", 2, 5)
	if err != nil {
		t.Fatalf("CreatePaid がエラーを返した: %v", err)
	}

	// 2ヶ月 = 60日 + 5日 = 65日
	if createdReq.AccountDays != 65 {
		t.Errorf("アカウント有効日数 = %d, want 65", createdReq.AccountDays)
	}
	if res.PlanType != "Premium" {
		t.Errorf("プラン = %q, want Premium", res.PlanType)
	}

	// プランロールの付与
	if got := deps.messenger.granted["u1"]; len(got) != 1 || got[0] != "Premium Member" {
		t.Errorf("プランロールが付与されるべき: %v", got)
	}
}

// --- 延長のテスト ---

func TestExtend_AddsToCurrentExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, deps := newTestService(t, now)

	currentExpiry := now.Unix() + 10*86400
	deps.remote.getUserByUsernameFunc = func(ctx context.Context, username string) (*jfa.User, error) {
		return &jfa.User{ID: "j1", Name: "alice", Expiry: currentExpiry}, nil
	}
	var extReq jfa.ExtendRequest
	deps.remote.extendUserExpiryFunc = func(ctx context.Context, req jfa.ExtendRequest) error {
		extReq = req
		return nil
	}

	newExpiry, err := s.Extend(context.Background(), testAdmin, "alice", 1, 0, 0, 0, "更新")
	if err != nil {
		t.Fatalf("Extend がエラーを返した: %v", err)
	}

	want := currentExpiry + 30*86400
	if newExpiry != want {
		t.Errorf("新期限 = %d, want %d", newExpiry, want)
	}
	if extReq.ExactTimestamp == nil || *extReq.ExactTimestamp != want {
		t.Errorf("絶対時刻指定でリモートに渡すべき: %v", extReq.ExactTimestamp)
	}
	if extReq.Months != 0 || extReq.Days != 0 {
		t.Error("絶対時刻指定時は相対期間を渡さない")
	}
}

func TestExtend_ExpiredBaseIsNow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, deps := newTestService(t, now)

	deps.remote.getUserByUsernameFunc = func(ctx context.Context, username string) (*jfa.User, error) {
		// 既に失効している
		return &jfa.User{ID: "j1", Name: "alice", Expiry: now.Unix() - 86400}, nil
	}

	newExpiry, err := s.Extend(context.Background(), testAdmin, "alice", 0, 7, 0, 0, "")
	if err != nil {
		t.Fatalf("Extend がエラーを返した: %v", err)
	}

	// 失効済みの場合は現在時刻を起点とする
	want := now.Unix() + 7*86400
	if newExpiry != want {
		t.Errorf("新期限 = %d, want %d", newExpiry, want)
	}
}

func TestExtend_RejectsNegativeComponents(t *testing.T) {
	s, _ := newTestService(t, time.Now())

	_, err := s.Extend(context.Background(), testAdmin, "alice", 1, -5, 0, 0, "")
	var opErr *model.OpError
	if !errors.As(err, &opErr) || opErr.Code != model.ErrCodeInvalidDuration {
		t.Errorf("INVALID_DURATION エラーであるべき: got %v", err)
	}
}

func TestExtend_TargetNotFound(t *testing.T) {
	s, _ := newTestService(t, time.Now())

	_, err := s.Extend(context.Background(), testAdmin, "ghost", 1, 0, 0, 0, "")
	var opErr *model.OpError
	if !errors.As(err, &opErr) || opErr.Code != model.ErrCodeTargetNotFound {
		t.Errorf("TARGET_NOT_FOUND エラーであるべき: got %v", err)
	}
}
