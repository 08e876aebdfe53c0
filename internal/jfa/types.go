package jfa

import "encoding/json"

// CreateInviteRequest は招待リンク作成リクエスト。
// Labelは後から招待コードを逆引きするためのキーとして使う。
type CreateInviteRequest struct {
	Label       string
	Profile     string
	LinkDays    int // 招待リンク自体の有効日数
	AccountDays int // 作成されるアカウントの有効日数（0なら無期限）
}

// ExtendRequest はユーザーの有効期限延長リクエスト。
// ExactTimestampが指定された場合は絶対時刻への設定、
// そうでなければMonths/Days/Hours/Minutesによる相対延長となる。
// 両方の指定は呼び出し元の誤りとして扱う。
type ExtendRequest struct {
	Username       string
	ExactTimestamp *int64
	Months         int
	Days           int
	Hours          int
	Minutes        int
	Reason         string
	Notify         bool
}

// User はリモート側のユーザーアカウント情報。
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DiscordID string `json:"discord_id"`
	Email     string `json:"email"`
	Expiry    int64  `json:"expiry"`
	Disabled  bool   `json:"disabled"`
	Admin     bool   `json:"admin"`
	CanInvite bool   `json:"accounts_admin"`
}

type loginResponse struct {
	Token   string `json:"token"`
	Expires int    `json:"expires"`
}

type profilesResponse struct {
	Profiles map[string]json.RawMessage `json:"profiles"`
}

type invitesResponse struct {
	Invites []struct {
		Label string `json:"label"`
		Code  string `json:"code"`
	} `json:"invites"`
}

type usersResponse struct {
	Users []User `json:"users"`
}

type successResponse struct {
	Success bool `json:"success"`
}
