package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/auth"
	"github.com/zhouzirui/z-voice/backend/pkg/utils"
)

// Authenticate 校验 JWT 并注入身份；verifier 为 nil 时注入匿名管理员（本地开发）。
func Authenticate(verifier *auth.Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), auth.Anonymous)))
				return
			}
			token, err := auth.TokenFromRequest(r)
			if err != nil {
				utils.RespondError(w, http.StatusUnauthorized, "missing or malformed credentials")
				return
			}
			principal, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("jwt validation failed", zap.Error(err))
				utils.RespondError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireAdmin rejects principals without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.FromContext(r.Context())
		if !ok || !p.IsAdmin() {
			utils.RespondError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
