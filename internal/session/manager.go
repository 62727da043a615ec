package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/edututor/internal/model"
	"github.com/hitoshi/edututor/internal/repository"
)

const (
	// sweepBatchSize は1回の掃除で終了させるセッションの上限。
	sweepBatchSize = 500

	// compensateTimeout は失敗した書き込みを取り消す処理の上限時間。
	compensateTimeout = 5 * time.Second
)

// Manager はセッションの状態遷移をリポジトリに反映する。
// 終了したセッションはユーザーのanalytics.sessionsに記録として追記する。
type Manager struct {
	tracker  *Tracker
	sessions repository.SessionRepository
	users    repository.UserRepository
	logger   *slog.Logger
}

// NewManager はManagerを生成する。
func NewManager(tracker *Tracker, sessions repository.SessionRepository, users repository.UserRepository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tracker:  tracker,
		sessions: sessions,
		users:    users,
		logger:   logger,
	}
}

// Tracker は状態遷移の判定に使うTrackerを返す。
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// Begin はユーザーの新しいセッションを開始して保存する。
func (m *Manager) Begin(ctx context.Context, username string) (*model.Session, error) {
	s, err := m.Prepare(username)
	if err != nil {
		return nil, err
	}
	if err := m.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Prepare はアクティブなセッションを生成する。保存はしない。
func (m *Manager) Prepare(username string) (*model.Session, error) {
	return m.tracker.Start(username)
}

// Save はPrepareで生成したセッションを保存する。
func (m *Manager) Save(ctx context.Context, s *model.Session) error {
	if err := m.sessions.Create(ctx, s); err != nil {
		return model.NewStorageError("session", err)
	}
	return nil
}

// Resolve はセッションIDからアクティブなセッションを返す。
// 存在しない・終了済みの場合はnilを返す。
// アイドルタイムアウトまたは有効期限を過ぎていた場合はその場で終了させてnilを返す。
func (m *Manager) Resolve(ctx context.Context, id string) (*model.Session, error) {
	s, err := m.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil || s.State() != model.SessionActive {
		return nil, nil
	}
	if m.tracker.Expired(s) {
		if _, err := m.End(ctx, s.ID, m.tracker.ExpiryReason(s)); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return s, nil
}

// CheckActive はセッションがやり取りを受け付けられる状態かを検証する。
func (m *Manager) CheckActive(s *model.Session) error {
	return m.tracker.CheckActive(s)
}

// RecordInteraction はやり取りをセッションに記録する。
// 終了済み・タイムアウト済みのセッションにはSessionClosedエラーを返す。
func (m *Manager) RecordInteraction(ctx context.Context, s *model.Session) (*model.Session, error) {
	if err := m.tracker.CheckActive(s); err != nil {
		return nil, err
	}
	updated, err := m.sessions.RecordInteraction(ctx, s.ID, m.tracker.Now())
	if err != nil {
		return nil, model.NewStorageError("session", err)
	}
	if updated == nil {
		return nil, model.NewSessionClosedError()
	}
	return updated, nil
}

// UndoInteraction はRecordInteractionで加算したやり取り数を取り消す。
// 後続の保存に失敗したターンで、セッションのやり取り数とサマリの件数を揃えるために使う。
// 呼び出し元のcontextがキャンセル済みでも取り消しは実行する。
func (m *Manager) UndoInteraction(ctx context.Context, s *model.Session) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	if err := m.sessions.UndoInteraction(ctx, s.ID); err != nil {
		return model.NewStorageError("session", err)
	}
	return nil
}

// End はセッションを終了し、記録をユーザーのサマリに追記する。
// 既に終了済みの場合は何もせずnilを返す。終了は1回だけ成立する。
// 記録の追記に失敗した場合はセッションをアクティブに戻し、次の終了処理（ログアウトや掃除）で記録し直せるようにする。
func (m *Manager) End(ctx context.Context, id, reason string) (*model.Session, error) {
	closed, err := m.sessions.Close(ctx, id, m.tracker.Now(), reason)
	if err != nil {
		return nil, model.NewStorageError("session", err)
	}
	if closed == nil {
		return nil, nil
	}

	rec, _ := closed.Record()
	if err := m.users.AppendSessionRecord(ctx, closed.Username, rec); err != nil {
		m.reopen(ctx, closed)
		return nil, model.NewStorageError("session record", err)
	}

	m.logger.Info("session closed",
		slog.String("username", closed.Username),
		slog.String("reason", reason),
		slog.Int("interaction_count", closed.InteractionCount),
		slog.Duration("duration", rec.Duration()),
	)
	return closed, nil
}

func (m *Manager) reopen(ctx context.Context, s *model.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	if err := m.sessions.Reopen(ctx, s.ID); err != nil {
		m.logger.Error("failed to reopen session after record failure",
			slog.String("session_id", s.ID),
			slog.String("username", s.Username),
			slog.String("error", err.Error()),
		)
	}
}

// List は指定ユーザーのセッションを新しい順に返す。
func (m *Manager) List(ctx context.Context, username string) ([]*model.Session, error) {
	sessions, err := m.sessions.ListByUsername(ctx, username)
	if err != nil {
		return nil, model.NewStorageError("session", err)
	}
	return sessions, nil
}

// Sweep はアイドルタイムアウトまたは有効期限を過ぎたセッションを終了させ、終了させた件数を返す。
// 1件の失敗で中断せず、残りのセッションの処理を続ける。
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.tracker.Now()
	idle, err := m.sessions.ListIdle(ctx, now.Add(-m.tracker.IdleTimeout), now, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, s := range idle {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		done, err := m.End(ctx, s.ID, m.tracker.ExpiryReason(s))
		if err != nil {
			m.logger.Error("failed to close idle session",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if done != nil {
			closed++
		}
	}
	return closed, nil
}
