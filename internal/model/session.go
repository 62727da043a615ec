package model

import "time"

// SessionState はセッションの状態を表す。
type SessionState string

const (
	SessionInactive SessionState = "inactive"
	SessionActive   SessionState = "active"
	SessionClosed   SessionState = "closed"
)

// セッション終了理由
const (
	CloseReasonLogout  = "logout"
	CloseReasonTimeout = "timeout"
	CloseReasonExpired = "expired"
)

// Session はログインから終了（ログアウト・タイムアウト）までの利用期間を表す。
// ログイン認証のセッションと利用統計のセッションを兼ねる。
type Session struct {
	ID               string     `json:"id" bson:"_id"`
	Username         string     `json:"username" bson:"username"`
	StartedAt        time.Time  `json:"started_at" bson:"started_at"`
	LastActivityAt   time.Time  `json:"last_activity_at" bson:"last_activity_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	InteractionCount int        `json:"interaction_count" bson:"interaction_count"`
	ExpiresAt        time.Time  `json:"expires_at" bson:"expires_at"`
	CloseReason      string     `json:"close_reason,omitempty" bson:"close_reason,omitempty"`
}

// State は現在の状態を返す。
func (s *Session) State() SessionState {
	switch {
	case s == nil || s.StartedAt.IsZero():
		return SessionInactive
	case s.EndedAt != nil:
		return SessionClosed
	default:
		return SessionActive
	}
}

// Record は終了済みセッションをSessionRecordに変換する。
// アクティブなセッションに対してはfalseを返す。
func (s *Session) Record() (SessionRecord, bool) {
	if s.State() != SessionClosed {
		return SessionRecord{}, false
	}
	return SessionRecord{
		SessionID:        s.ID,
		StartedAt:        s.StartedAt,
		EndedAt:          *s.EndedAt,
		InteractionCount: s.InteractionCount,
		Reason:           s.CloseReason,
	}, true
}
