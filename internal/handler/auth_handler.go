package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/edututor/internal/auth"
	"github.com/hitoshi/edututor/internal/middleware"
	"github.com/hitoshi/edututor/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, in auth.RegisterInput) (*model.User, error)
	Login(ctx context.Context, username, password string) (*auth.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	CurrentUser(ctx context.Context, username string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain string
	CookieSecure bool
}

// AuthHandler はユーザー登録・ログイン・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	tokens  middleware.TokenParser
	config  AuthHandlerConfig
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, tokens middleware.TokenParser, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		tokens:  tokens,
		config:  config,
		now:     time.Now,
	}
}

type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// userResponse はユーザー情報のAPIレスポンス。パスワードダイジェストは含めない。
type userResponse struct {
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionResponse struct {
	ID               string     `json:"id"`
	State            string     `json:"state"`
	StartedAt        time.Time  `json:"started_at"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	InteractionCount int        `json:"interaction_count"`
	CloseReason      string     `json:"close_reason,omitempty"`
}

type loginResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
	Token   string          `json:"token"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{Username: u.Username, Email: u.Email, CreatedAt: u.CreatedAt}
}

func toSessionResponse(s *model.Session) sessionResponse {
	return sessionResponse{
		ID:               s.ID,
		State:            string(s.State()),
		StartedAt:        s.StartedAt,
		LastActivityAt:   s.LastActivityAt,
		EndedAt:          s.EndedAt,
		ExpiresAt:        s.ExpiresAt,
		InteractionCount: s.InteractionCount,
		CloseReason:      s.CloseReason,
	}
}

// Register はユーザー登録を処理する。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.service.Register(r.Context(), auth.RegisterInput{
		Username:        req.Username,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// Login はログインを処理し、セッションCookieとアクセストークンを発行する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	maxAge := int(result.Session.ExpiresAt.Sub(h.now()).Seconds())
	h.setSessionCookie(w, result.Session.ID, maxAge)

	writeJSON(w, http.StatusOK, loginResponse{
		User:    toUserResponse(result.User),
		Session: toSessionResponse(result.Session),
		Token:   result.Token,
	})
}

// Logout はセッションを終了する。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.SessionIDFromRequest(r, h.tokens); sessionID != "" {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			// ログアウト失敗してもCookieはクリアする
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	h.setSessionCookie(w, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報と進行中のセッションを返す。
// GET /api/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess := sessionOrUnauthorized(w, r)
	if sess == nil {
		return
	}

	user, err := h.service.CurrentUser(r.Context(), sess.Username)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":    toUserResponse(user),
		"session": toSessionResponse(sess),
	})
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
