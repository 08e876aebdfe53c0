package jfa

import (
	"sync"
	"time"
)

// cacheTTL は一覧系レスポンスのキャッシュ有効期間。
const cacheTTL = 5 * time.Minute

// listingCache はプロファイル一覧と招待一覧の短期キャッシュを保持する。
// 招待一覧はラベルをキーとして照会結果単位でキャッシュする。
type listingCache struct {
	mu sync.Mutex

	profiles    []string
	profilesExp time.Time

	invites map[string]inviteCacheEntry
}

type inviteCacheEntry struct {
	code      string
	expiresAt time.Time
}

func newListingCache() *listingCache {
	return &listingCache{invites: make(map[string]inviteCacheEntry)}
}

// getProfiles はキャッシュ済みのプロファイル一覧を返す。
// 期限切れまたは未取得の場合はok=falseを返す。
func (c *listingCache) getProfiles(now time.Time) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profiles == nil || now.After(c.profilesExp) {
		return nil, false
	}
	// 呼び出し側の変更がキャッシュに波及しないよう複製を返す
	out := make([]string, len(c.profiles))
	copy(out, c.profiles)
	return out, true
}

func (c *listingCache) setProfiles(profiles []string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles = profiles
	c.profilesExp = now.Add(cacheTTL)
}

// getInvite はラベルに対するキャッシュ済みコードを返す。
// 不在の結果はキャッシュされない。作成直後の再照会は必ずリモートに届く。
func (c *listingCache) getInvite(label string, now time.Time) (code string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.invites[label]
	if !exists || now.After(e.expiresAt) {
		return "", false
	}
	return e.code, true
}

func (c *listingCache) setInvite(label, code string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invites[label] = inviteCacheEntry{code: code, expiresAt: now.Add(cacheTTL)}
}

// invalidate は全キャッシュを破棄する。招待の作成・削除後に呼ぶ。
func (c *listingCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles = nil
	c.profilesExp = time.Time{}
	c.invites = make(map[string]inviteCacheEntry)
}
