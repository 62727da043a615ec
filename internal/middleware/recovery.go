package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRecoveryMiddleware はハンドラー内のpanicを500応答に変換する。
// ログにはリクエストIDと、判明していればユーザー名を含める。
// http.ErrAbortHandlerは接続を切るためのpanicなので再送出する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				args := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", chimw.GetReqID(r.Context())),
				}
				if info, ok := r.Context().Value(requestInfoKey).(*requestInfo); ok && info.username != "" {
					args = append(args, slog.String("username", info.username))
				}
				args = append(args, slog.String("stack", string(debug.Stack())))
				logger.Error("panic recovered", args...)

				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
