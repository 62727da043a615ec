package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/edututor/internal/analytics"
	"github.com/hitoshi/edututor/internal/model"
)

const (
	defaultInteractionLimit = 20
	maxInteractionLimit     = 100
)

// UserFinder はユーザーを取得する。repository.UserRepositoryが実装する。
type UserFinder interface {
	FindByUsername(ctx context.Context, username string) (*model.User, error)
}

// SessionLister はユーザーのセッション一覧を返す。session.Managerが実装する。
type SessionLister interface {
	List(ctx context.Context, username string) ([]*model.Session, error)
}

// InteractionLister は直近のやり取りを返す。repository.InteractionRepositoryが実装する。
type InteractionLister interface {
	ListRecent(ctx context.Context, username string, limit int) ([]*model.Interaction, error)
}

// AnalyticsHandler はダッシュボード向けの参照系HTTPハンドラー。
type AnalyticsHandler struct {
	users        UserFinder
	sessions     SessionLister
	interactions InteractionLister
	now          func() time.Time
}

// NewAnalyticsHandler はAnalyticsHandlerを生成する。
func NewAnalyticsHandler(users UserFinder, sessions SessionLister, interactions InteractionLister) *AnalyticsHandler {
	return &AnalyticsHandler{
		users:        users,
		sessions:     sessions,
		interactions: interactions,
		now:          time.Now,
	}
}

// Summary はユーザーの集計と進行中セッションの情報を返す。
// GET /api/analytics
func (h *AnalyticsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sess := sessionOrUnauthorized(w, r)
	if sess == nil {
		return
	}

	user, err := h.users.FindByUsername(r.Context(), sess.Username)
	if err != nil {
		handleServiceError(w, model.NewStorageError("user", err))
		return
	}
	if user == nil {
		handleServiceError(w, model.NewUserNotFoundError())
		return
	}

	writeJSON(w, http.StatusOK, analytics.NewSnapshot(user.Analytics, sess, h.now()))
}

// Sessions はユーザーのセッション一覧を開始の新しい順に返す。
// GET /api/sessions
func (h *AnalyticsHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	sess := sessionOrUnauthorized(w, r)
	if sess == nil {
		return
	}

	sessions, err := h.sessions.List(r.Context(), sess.Username)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		resp[i] = toSessionResponse(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}

// Interactions は直近のやり取りを新しい順に返す。
// GET /api/interactions?limit=20
func (h *AnalyticsHandler) Interactions(w http.ResponseWriter, r *http.Request) {
	sess := sessionOrUnauthorized(w, r)
	if sess == nil {
		return
	}

	limit := defaultInteractionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxInteractionLimit {
			handleServiceError(w, model.NewInvalidInputError("limitは1〜100の整数で指定してください"))
			return
		}
		limit = n
	}

	items, err := h.interactions.ListRecent(r.Context(), sess.Username, limit)
	if err != nil {
		handleServiceError(w, model.NewStorageError("interaction", err))
		return
	}

	resp := make([]interactionResponse, len(items))
	for i, in := range items {
		resp[i] = toInteractionResponse(in)
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactions": resp})
}
