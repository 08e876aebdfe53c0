package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/hitoshi/inviteman/internal/model"
)

// NewBearerAuthMiddleware は固定トークンによるBearer認証ミドルウェアを返す。
// 管理APIルートの保護に使う。トークン比較は一定時間で行う。
func NewBearerAuthMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				WriteErrorResponse(w, http.StatusUnauthorized, &model.OpError{
					Code:     "UNAUTHORIZED",
					Message:  "認証に失敗しました。",
					Category: "auth",
					Action:   "有効なBearerトークンを指定してください。",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
