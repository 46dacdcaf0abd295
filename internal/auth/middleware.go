package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/pkg/logger"
)

// Middleware 返回一个 HTTP 中间件，校验令牌与所需权限，拒绝时写入审计日志。
// WebSocket 握手无法自定义请求头，因此同时接受 access_token 查询参数。
func (s *Service) Middleware(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			authorization := r.Header.Get("Authorization")
			if authorization == "" {
				authorization = r.URL.Query().Get("access_token")
			}
			subject, err := s.AuthenticateRequest(r.Context(), authorization)
			if err == nil {
				err = subject.Authorize(required...)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrPermissionDenied) {
					status = http.StatusForbidden
				}
				logger.Audit().Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("code", string(xerrors.CodeOf(err))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"code":    string(xerrors.CodeOf(err)),
					"message": xerrors.PublicMessage(err),
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
