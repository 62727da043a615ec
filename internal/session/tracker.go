// Package session はログインセッションの状態遷移と永続化を扱う。
//
// 状態は Inactive → Active → Closed の一方向に遷移する。
// Closed は終端で、同じセッションが再び開くことはない。再ログインは新しいセッションを作る。
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hitoshi/edututor/internal/model"
)

// Tracker はセッションの状態遷移を判定する。I/Oを持たない。
type Tracker struct {
	// IdleTimeout は無操作でセッションを終了するまでの時間。
	IdleTimeout time.Duration
	// MaxAge はログインからの最大有効期間。
	MaxAge time.Duration
	// Now は現在時刻を返す。テストで差し替える。
	Now func() time.Time
}

// NewTracker はTrackerを生成する。
func NewTracker(idleTimeout, maxAge time.Duration) *Tracker {
	return &Tracker{
		IdleTimeout: idleTimeout,
		MaxAge:      maxAge,
		Now:         time.Now,
	}
}

// Start は認証成功時に新しいアクティブセッションを生成する（Inactive → Active）。
func (t *Tracker) Start(username string) (*model.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}
	now := t.Now()
	return &model.Session{
		ID:               id,
		Username:         username,
		StartedAt:        now,
		LastActivityAt:   now,
		InteractionCount: 0,
		ExpiresAt:        now.Add(t.MaxAge),
	}, nil
}

// Expired はセッションがアイドルタイムアウトまたは有効期限を過ぎているかを返す。
func (t *Tracker) Expired(s *model.Session) bool {
	if s.State() != model.SessionActive {
		return false
	}
	now := t.Now()
	if t.IdleTimeout > 0 && now.Sub(s.LastActivityAt) > t.IdleTimeout {
		return true
	}
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// ExpiryReason はExpiredなセッションの終了理由を返す。
func (t *Tracker) ExpiryReason(s *model.Session) string {
	if !s.ExpiresAt.IsZero() && t.Now().After(s.ExpiresAt) {
		return model.CloseReasonExpired
	}
	return model.CloseReasonTimeout
}

// CheckActive はやり取りを受け付けられる状態かを検証する。
// 終了済み、またはタイムアウトしたセッションにはSessionClosedエラーを返す。
func (t *Tracker) CheckActive(s *model.Session) error {
	if s.State() != model.SessionActive || t.Expired(s) {
		return model.NewSessionClosedError()
	}
	return nil
}

// RecordInteraction はやり取り数を1増やす（Active → Active）。
func (t *Tracker) RecordInteraction(s *model.Session) error {
	if err := t.CheckActive(s); err != nil {
		return err
	}
	s.InteractionCount++
	s.LastActivityAt = t.Now()
	return nil
}

// Close はセッションを終了する（Active → Closed）。
// 既に終了済みのセッションにはSessionClosedエラーを返す。
func (t *Tracker) Close(s *model.Session, reason string) error {
	if s.State() != model.SessionActive {
		return model.NewSessionClosedError()
	}
	end := t.Now()
	s.EndedAt = &end
	s.CloseReason = reason
	return nil
}

// generateSessionID は暗号学的に安全なランダムセッションIDを生成する。
// 32バイトのランダムデータを16進数文字列（64文字）に変換する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
