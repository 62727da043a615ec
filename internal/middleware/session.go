// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/edututor/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var sessionContextKey = contextKey("session")

// SessionResolver はセッションIDからアクティブなセッションを解決する。
// session.Managerが実装する。
type SessionResolver interface {
	Resolve(ctx context.Context, id string) (*model.Session, error)
}

// TokenParser はBearerトークンからセッションIDを取り出す。
type TokenParser interface {
	SessionIDFromToken(token string) (string, error)
}

// NewSessionMiddleware はCookieまたはAuthorization: Bearerからセッションを解決し、
// アクティブなセッションをリクエストコンテキストに注入するミドルウェアを返す。
// 未認証・終了済み・タイムアウト済みのセッションには401を返す。
func NewSessionMiddleware(resolver SessionResolver, tokens TokenParser) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := SessionIDFromRequest(r, tokens)
			if sessionID == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			session, err := resolver.Resolve(r.Context(), sessionID)
			if err != nil {
				slog.Error("failed to resolve session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if session == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			annotateRequest(r.Context(), session.Username)
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

// SessionIDFromRequest はCookieを優先し、なければBearerトークンからセッションIDを取得する。
func SessionIDFromRequest(r *http.Request, tokens TokenParser) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	token, ok := bearerToken(r)
	if !ok || tokens == nil {
		return ""
	}
	sid, err := tokens.SessionIDFromToken(token)
	if err != nil {
		slog.Debug("bearer token rejected", slog.String("error", err.Error()))
		return ""
	}
	return sid
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return token, token != ""
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*model.Session, error) {
	s, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok || s == nil {
		return nil, fmt.Errorf("session not found in context")
	}
	return s, nil
}

// UsernameFromContext はリクエストコンテキストからユーザー名を取得する。
func UsernameFromContext(ctx context.Context) (string, error) {
	s, err := SessionFromContext(ctx)
	if err != nil {
		return "", err
	}
	return s.Username, nil
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, s *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}
