package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/edututor/internal/analytics"
	"github.com/hitoshi/edututor/internal/conversation"
	"github.com/hitoshi/edututor/internal/model"
)

// ChatServiceInterface はチャットハンドラーが必要とするサービスインターフェース。
type ChatServiceInterface interface {
	HandleTurn(ctx context.Context, sess *model.Session, input string) (*conversation.TurnResult, error)
}

// ChatHandler はチャット送信のHTTPハンドラー。
type ChatHandler struct {
	service ChatServiceInterface
	now     func() time.Time
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(service ChatServiceInterface) *ChatHandler {
	return &ChatHandler{service: service, now: time.Now}
}

type chatRequest struct {
	Message string `json:"message"`
}

type interactionResponse struct {
	ID             string    `json:"id"`
	UserInput      string    `json:"user_input"`
	AIResponse     string    `json:"ai_response"`
	SentimentScore *float64  `json:"sentiment_score"`
	SentimentLabel string    `json:"sentiment_label"`
	Topics         []string  `json:"topics"`
	Timestamp      time.Time `json:"timestamp"`
}

type chatResponse struct {
	Reply       string              `json:"reply"`
	Mood        string              `json:"mood"`
	Degraded    []string            `json:"degraded"`
	Interaction interactionResponse `json:"interaction"`
	Analytics   analytics.Snapshot  `json:"analytics"`
}

func toInteractionResponse(in *model.Interaction) interactionResponse {
	topics := in.Topics
	if topics == nil {
		topics = []string{}
	}
	return interactionResponse{
		ID:             in.ID,
		UserInput:      in.UserInput,
		AIResponse:     in.AIResponse,
		SentimentScore: in.SentimentScore,
		SentimentLabel: in.SentimentLabel,
		Topics:         topics,
		Timestamp:      in.Timestamp,
	}
}

// Send はユーザーのメッセージを1ターンとして処理し、応答と更新後の集計を返す。
// POST /api/chat
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	sess := sessionOrUnauthorized(w, r)
	if sess == nil {
		return
	}

	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.HandleTurn(r.Context(), sess, req.Message)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	degraded := result.Degraded
	if degraded == nil {
		degraded = []string{}
	}
	current := result.Session
	if current == nil {
		current = sess
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Reply:       result.Reply,
		Mood:        result.Mood,
		Degraded:    degraded,
		Interaction: toInteractionResponse(result.Interaction),
		Analytics:   analytics.NewSnapshot(result.Summary, current, h.now()),
	})
}
