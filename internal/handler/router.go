// Package handler は運用HTTPサーフェス（ヘルスチェック、メトリクス、管理API）を提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/inviteman/internal/middleware"
)

// HealthChecker はヘルスチェックで接続確認する対象を表す。
// *sql.DBがこれを満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 管理API
	InviteService InviteServiceInterface
	AdminAPIToken string // 空の場合、管理APIルートはマウントされない
	RateLimiter   *middleware.RateLimiter

	Logger *slog.Logger
}

// NewRouter は運用エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging →（管理APIのみ）BearerAuth → RateLimit
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)

	// --- 管理API（トークン設定時のみ公開） ---

	if deps.AdminAPIToken != "" {
		inviteHandler := NewInviteHandler(deps.InviteService, deps.Logger)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewBearerAuthMiddleware(deps.AdminAPIToken))
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware())
			}

			r.Route("/api/invites", func(r chi.Router) {
				r.Post("/trial", inviteHandler.CreateTrial)
				r.Post("/paid", inviteHandler.CreatePaid)
				r.Post("/extend", inviteHandler.Extend)
				r.Post("/remove", inviteHandler.Remove)
			})
		})
	}

	return r
}

// NewHealthHandler はDB接続確認つきのヘルスチェックハンドラーを返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := checker.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}
