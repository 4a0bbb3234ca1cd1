package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	xerrors "X402-Chain/internal/errors"
	loggerpkg "X402-Chain/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法列出所需权限，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 是审计日志中的事件名，默认使用请求路径。
	AuditEvent string
}

// Middleware 校验 Bearer 令牌与权限，并把主体放入请求上下文。
// 拒绝时返回 {"error","code"} 形式的 JSON，与 API 其余错误一致。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				perms := cfg.RequiredPermissions[r.Method]
				if len(perms) == 0 {
					perms = cfg.RequiredPermissions["*"]
				}
				err = subject.Authorize(perms...)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				attrs := append([]any{
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
				}, xerrors.LogAttrs(err)...)
				if subject != nil {
					attrs = append(attrs, slog.String("user", subject.Username))
				}
				s.auditLogger().Warn("access_denied", attrs...)
				writeDenied(w, status, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLogger().Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user", subject.Username),
				slog.String("caller", subject.Address.Hex()),
			)
		})
	}
}

func writeDenied(w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  string(xerrors.CodeOf(err)),
	})
}

func (s *Service) auditLogger() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
