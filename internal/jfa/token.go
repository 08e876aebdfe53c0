package jfa

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiryBuffer はトークン失効前の安全マージン。
// 実際の失効より早めに再ログインすることで、境界付近の401を避ける。
const tokenExpiryBuffer = 60 * time.Second

// defaultTokenLifetime はサーバーが有効期間を申告しなかった場合の既定値（55分）。
const defaultTokenLifetime = 3300 * time.Second

// tokenState はベアラートークンと失効予定時刻を保持する。
// クライアントインスタンスが排他的に所有し、プロセス間で共有されない。
type tokenState struct {
	token     string
	expiresAt time.Time
}

// set はトークンを保存し、失効予定時刻を計算する。
// 有効期間はサーバー申告のexpires秒を優先し、無ければトークン自体の
// exp claim（JWTの場合）、どちらも無ければ既定値を使う。
// いずれの場合もtokenExpiryBufferを差し引く。
func (t *tokenState) set(token string, expiresSeconds int, now time.Time) {
	lifetime := defaultTokenLifetime
	if expiresSeconds > 0 {
		lifetime = time.Duration(expiresSeconds) * time.Second
	} else if exp, ok := tokenExpClaim(token); ok {
		lifetime = exp.Sub(now)
	}

	lifetime -= tokenExpiryBuffer
	if lifetime < 0 {
		lifetime = 0
	}

	t.token = token
	t.expiresAt = now.Add(lifetime)
}

// valid はトークンが保持されており、かつ失効予定時刻に達していないかを返す。
func (t *tokenState) valid(now time.Time) bool {
	return t.token != "" && now.Before(t.expiresAt)
}

// clear はトークンを破棄し、次回呼び出し時の再ログインを強制する。
func (t *tokenState) clear() {
	t.token = ""
	t.expiresAt = time.Time{}
}

// tokenExpClaim はJWT形式のトークンから署名検証なしでexp claimを読み取る。
// JWTでない、またはexpを持たない場合はok=falseを返す。
func tokenExpClaim(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
