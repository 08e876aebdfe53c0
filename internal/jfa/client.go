// Package jfa はjfa-goアカウント管理APIのクライアントを提供する。
// ベアラートークンの取得・更新、一覧系レスポンスの短期キャッシュ、
// 冪等なGETに限定した再試行を含む。
package jfa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/inviteman/internal/metrics"
	"github.com/hitoshi/inviteman/internal/model"
)

// ErrNotFound は照会対象がリモートに存在しないことを示す。
// 障害ではなく通常の照会結果として扱う。
var ErrNotFound = errors.New("jfa: not found")

// errMalformedResponse はHTTPリクエスト自体は成功したが
// レスポンスボディが期待したJSONでなかったことを示す。
var errMalformedResponse = errors.New("jfa: malformed response body")

const (
	// maxAttempts は冪等リクエストの最大試行回数（初回含む）。
	maxAttempts = 3
	// baseBackoff は再試行の基準待機時間。試行ごとに倍増する。
	baseBackoff = 500 * time.Millisecond
)

// Client はjfa-go APIのクライアント。
// トークンは内部で管理され、失効前に自動で再ログインする。
// 単一インスタンスを複数ゴルーチンから共有できる。
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	logger     *slog.Logger
	limiter    *rate.Limiter
	debug      bool
	metrics    metrics.MetricsCollector

	mu    sync.Mutex
	token tokenState
	cache *listingCache

	now func() time.Time // テスト用に現在時刻を差し替え可能
}

// NewClient はClient の新しいインスタンスを生成する。
// 認証情報が不足している場合はエラーを返す。collectorはnil可。
func NewClient(httpClient *http.Client, baseURL, username, password string, debug bool, logger *slog.Logger, collector metrics.MetricsCollector) (*Client, error) {
	if baseURL == "" || username == "" || password == "" {
		return nil, fmt.Errorf("jfa-go APIの接続情報が不足しています")
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		debug:      debug,
		metrics:    collector,
		cache:      newListingCache(),
		now:        time.Now,
	}, nil
}

// Login は認証エンドポイントを呼び出してトークンを取得する。
// 通常は各操作が必要に応じて内部で呼び出すため、明示的な呼び出しは
// 起動時の疎通確認用途に限られる。
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

// loginLocked はc.muを保持した状態でログインを実行する。
func (c *Client) loginLocked(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/token/login", nil)
	if err != nil {
		return fmt.Errorf("ログインリクエストの作成に失敗しました: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("jfa-go APIへのログインに失敗しました",
			slog.String("error", err.Error()),
		)
		return model.NewAuthFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("jfa-go APIがログインを拒否しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return model.NewAuthFailedError(fmt.Sprintf("ログインがステータス %d で拒否されました", resp.StatusCode))
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("ログインレスポンスのパースに失敗しました: %w", err)
	}
	if lr.Token == "" {
		return model.NewAuthFailedError("ログインレスポンスにトークンが含まれていません")
	}

	c.token.set(lr.Token, lr.Expires, c.now())
	c.logger.Info("jfa-go APIにログインしました",
		slog.Time("token_expires_at", c.token.expiresAt),
	)
	return nil
}

// ensureAuth は有効なトークンを返す。失効している場合は再ログインする。
func (c *Client) ensureAuth(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.valid(c.now()) {
		return c.token.token, nil
	}
	if err := c.loginLocked(ctx); err != nil {
		return "", err
	}
	return c.token.token, nil
}

// relogin はトークンを破棄して再ログインする。401応答後の回復に使う。
func (c *Client) relogin(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token.clear()
	if err := c.loginLocked(ctx); err != nil {
		return "", err
	}
	return c.token.token, nil
}

// retryableStatus は一時的な失敗として再試行対象になるステータスコードか判定する。
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// backoffDelay はn回目（0始まり）の再試行前の待機時間を返す。
// 指数バックオフにジッタを加える。
func backoffDelay(attempt int) time.Duration {
	d := baseBackoff << attempt
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}

// do は認証付きAPIリクエストを実行し、レスポンスJSONをoutにデコードする。
// 401応答時はトークンを破棄して1回だけ再ログイン・再試行し、
// それでも401なら認証エラーを返す。一時的な失敗（5xx等）の再試行は
// 冪等なリクエストに限る。
func (c *Client) do(ctx context.Context, method, path string, body, out any, idempotent bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
	}

	token, err := c.ensureAuth(ctx)
	if err != nil {
		return err
	}

	attempts := 1
	if idempotent {
		attempts = maxAttempts
	}

	reloggedIn := false
	for attempt := 0; ; attempt++ {
		status, respBody, err := c.send(ctx, method, path, payload, token)
		if err == nil && status < 400 {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("%w: %v", errMalformedResponse, err)
				}
			}
			return nil
		}

		// 401はトークン失効とみなし、1回だけ再ログインして同一リクエストをやり直す
		if err == nil && status == http.StatusUnauthorized {
			if reloggedIn {
				return model.NewAuthFailedError("再ログイン後もAPIが401を返しました")
			}
			c.logger.Warn("トークンが拒否されたため再ログインします",
				slog.String("method", method),
				slog.String("path", path),
			)
			token, err = c.relogin(ctx)
			if err != nil {
				return err
			}
			reloggedIn = true
			continue
		}

		retryable := err != nil || retryableStatus(status)
		if !retryable || attempt >= attempts-1 {
			if err != nil {
				return fmt.Errorf("jfa-go APIの呼び出しに失敗しました: %w", err)
			}
			return fmt.Errorf("jfa-go APIがステータス %d を返しました: %s %s", status, method, path)
		}

		delay := backoffDelay(attempt)
		c.logger.Warn("jfa-go APIの呼び出しを再試行します",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// send は1回分のHTTPリクエストを実行し、ステータスとボディを返す。
func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	start := time.Now()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.RecordAPICall(resp.StatusCode)
		c.metrics.RecordAPILatency(time.Since(start))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if c.debug {
		// 認証情報はログに出さない。ボディは長さのみ記録する。
		c.logger.Debug("jfa-go APIを呼び出しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("response_bytes", len(respBody)),
		)
	}

	return resp.StatusCode, respBody, nil
}

// GetProfiles は利用可能なプロファイル名の一覧を返す。
// 結果は5分間キャッシュされる。
func (c *Client) GetProfiles(ctx context.Context) ([]string, error) {
	if profiles, ok := c.cache.getProfiles(c.now()); ok {
		return profiles, nil
	}

	var pr profilesResponse
	if err := c.do(ctx, http.MethodGet, "/profiles", nil, &pr, true); err != nil {
		return nil, fmt.Errorf("プロファイル一覧の取得に失敗しました: %w", err)
	}

	profiles := make([]string, 0, len(pr.Profiles))
	for name := range pr.Profiles {
		profiles = append(profiles, name)
	}
	c.cache.setProfiles(profiles, c.now())
	return profiles, nil
}

// CreateInvite は招待リンクを作成する。成功時は招待一覧キャッシュを破棄する。
func (c *Client) CreateInvite(ctx context.Context, req CreateInviteRequest) error {
	payload := map[string]any{
		"days":           req.LinkDays,
		"label":          req.Label,
		"multiple-uses":  false,
		"no-limit":       false,
		"profile":        req.Profile,
		"remaining-uses": 1,
		"send-to":        "",
		"user-days":      req.AccountDays,
		"user-expiry":    req.AccountDays > 0,
	}
	if err := c.do(ctx, http.MethodPost, "/invites", payload, nil, false); err != nil {
		return fmt.Errorf("招待リンクの作成に失敗しました: %w", err)
	}
	c.cache.invalidate()
	return nil
}

// GetInviteCode はラベルに完全一致する招待コードを返す。
// 存在しない場合はErrNotFoundを返す。見つかったコードは5分間キャッシュされるが、
// 不在はキャッシュせず、毎回リモートに照会する。
func (c *Client) GetInviteCode(ctx context.Context, label string) (string, error) {
	if code, ok := c.cache.getInvite(label, c.now()); ok {
		return code, nil
	}

	var ir invitesResponse
	path := "/invites?label=" + url.QueryEscape(label)
	if err := c.do(ctx, http.MethodGet, path, nil, &ir, true); err != nil {
		return "", fmt.Errorf("招待一覧の取得に失敗しました: %w", err)
	}

	for _, inv := range ir.Invites {
		if inv.Label == label {
			c.cache.setInvite(label, inv.Code, c.now())
			return inv.Code, nil
		}
	}
	return "", ErrNotFound
}

// DeleteInvite は招待コードを削除する。成功時は招待一覧キャッシュを破棄する。
// レスポンスが成功フラグを含む場合はその値も確認する。
func (c *Client) DeleteInvite(ctx context.Context, code string) error {
	var sr successResponse
	sr.Success = true // フラグを含まない旧形式レスポンス（"OK"テキスト等）は成功扱い
	payload := map[string]string{"code": code}
	if err := c.doRelaxed(ctx, http.MethodDelete, "/invites", payload, &sr); err != nil {
		return fmt.Errorf("招待リンクの削除に失敗しました: %w", err)
	}
	if !sr.Success {
		return fmt.Errorf("招待リンクの削除が拒否されました: code=%s", code)
	}
	c.cache.invalidate()
	return nil
}

// doRelaxed はdoと同様だが、JSONでないレスポンスボディを許容する。
// 一部のエンドポイントはプレーンテキスト（"OK"等）を返すことがある。
func (c *Client) doRelaxed(ctx context.Context, method, path string, body, out any) error {
	err := c.do(ctx, method, path, body, out, false)
	if errors.Is(err, errMalformedResponse) {
		// HTTPとしては成功しており、ボディ形式の違いは成功扱いとする
		return nil
	}
	return err
}

// ListUsers は全ユーザーの一覧を返す。キャッシュしない。
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var ur usersResponse
	if err := c.do(ctx, http.MethodGet, "/users", nil, &ur, true); err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}
	return ur.Users, nil
}

// GetUserByUsername はユーザー名に一致するユーザーを返す。
// 照合は大文字小文字を区別しない。存在しない場合はErrNotFoundを返す。
func (c *Client) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	users, err := c.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if strings.EqualFold(users[i].Name, username) {
			return &users[i], nil
		}
	}
	return nil, ErrNotFound
}

// DeleteUserByUsername はユーザー名からIDを解決してユーザーを削除する。
// 存在しない場合はErrNotFoundを返す。
func (c *Client) DeleteUserByUsername(ctx context.Context, username string) error {
	user, err := c.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	payload := map[string]any{"users": []string{user.ID}}
	if err := c.do(ctx, http.MethodDelete, "/users", payload, nil, false); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}
	return nil
}

// ExtendUserExpiry はユーザーの有効期限を延長する。
// ExactTimestampが指定されていれば絶対時刻を設定し、
// そうでなければ相対期間（月は30日換算でAPI側が解釈）を加算する。
func (c *Client) ExtendUserExpiry(ctx context.Context, req ExtendRequest) error {
	if req.ExactTimestamp != nil && (req.Months != 0 || req.Days != 0 || req.Hours != 0 || req.Minutes != 0) {
		return fmt.Errorf("絶対時刻指定と相対期間指定は同時に使えません")
	}

	payload := map[string]any{
		"users":  []string{req.Username},
		"notify": req.Notify,
		"reason": req.Reason,
	}
	if req.ExactTimestamp != nil {
		payload["timestamp"] = *req.ExactTimestamp
	} else {
		payload["months"] = req.Months
		payload["days"] = req.Days
		payload["hours"] = req.Hours
		payload["minutes"] = req.Minutes
	}

	if err := c.do(ctx, http.MethodPost, "/users/extend", payload, nil, false); err != nil {
		return fmt.Errorf("有効期限の延長に失敗しました: %w", err)
	}
	return nil
}
