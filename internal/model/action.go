package model

// ActionType は管理者操作の種別を表す。
// 監査ログには安定した文字列表現で永続化される。
type ActionType string

const (
	// ActionCreateTrialInvite はトライアル招待の作成。
	ActionCreateTrialInvite ActionType = "CREATE_TRIAL_INVITE"
	// ActionCreateUserInvite は有料プラン招待の作成。
	ActionCreateUserInvite ActionType = "CREATE_USER_INVITE"
	// ActionExtendPlan はアカウント有効期限の延長。
	ActionExtendPlan ActionType = "EXTEND_PLAN"
	// ActionRemoveInvite は招待の削除（ローカルはdisabledに遷移）。
	ActionRemoveInvite ActionType = "REMOVE_INVITE"
)

// AdminAction は管理者による状態変更操作1件の監査レコードを表す。
// 書き込み後は不変。更新・削除操作は存在しない。
type AdminAction struct {
	ID             int64
	AdminID        string
	AdminUsername  string
	ActionType     ActionType
	TargetUserID   string
	TargetUsername string
	Details        string
	PerformedAt    int64 // Unix epoch秒（UTC）
}
