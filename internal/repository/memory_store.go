package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/edututor/internal/model"
)

// MemoryStore はプロセス内メモリにユーザー・やり取り・セッションを保持するストア。
// STORE_BACKEND=memory での開発用途とテストで使用する。再起動でデータは失われる。
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*model.User
	interactions map[string][]*model.Interaction
	sessions     map[string]*model.Session
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*model.User),
		interactions: make(map[string][]*model.Interaction),
		sessions:     make(map[string]*model.Session),
	}
}

// FindByUsername はユーザーの複製を返す。
func (s *MemoryStore) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	return cloneUser(u), nil
}

// Create はユーザーを登録する。
func (s *MemoryStore) Create(ctx context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Username]; ok {
		return ErrDuplicateUsername
	}
	s.users[user.Username] = cloneUser(user)
	return nil
}

// UpsertAnalytics はsessions以外の集計フィールドを書き換える。
func (s *MemoryStore) UpsertAnalytics(ctx context.Context, username string, summary model.AnalyticsSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	next := summary.Clone()
	next.Sessions = u.Analytics.Sessions
	u.Analytics = next
	return nil
}

// AppendSessionRecord はanalytics.sessionsに追記する。
func (s *MemoryStore) AppendSessionRecord(ctx context.Context, username string, record model.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.Analytics.Sessions = append(append([]model.SessionRecord(nil), u.Analytics.Sessions...), record)
	return nil
}

// Append はやり取りを追記する。
func (s *MemoryStore) Append(ctx context.Context, interaction *model.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *interaction
	c.Topics = append([]string(nil), interaction.Topics...)
	s.interactions[interaction.Username] = append(s.interactions[interaction.Username], &c)
	return nil
}

// ListRecent は新しい順に最大limit件返す。
func (s *MemoryStore) ListRecent(ctx context.Context, username string, limit int) ([]*model.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.interactions[username]
	out := make([]*model.Interaction, 0, max(0, min(limit, len(all))))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		c := *all[i]
		out = append(out, &c)
	}
	return out, nil
}

// Remove はやり取りを削除する。
func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for username, list := range s.interactions {
		for i, in := range list {
			if in.ID == id {
				s.interactions[username] = append(list[:i:i], list[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

// CreateSession はセッションを保存する。
func (s *MemoryStore) CreateSession(ctx context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *session
	s.sessions[session.ID] = &c
	return nil
}

// FindSessionByID はセッションの複製を返す。
func (s *MemoryStore) FindSessionByID(ctx context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(sess), nil
}

// RecordInteraction はアクティブなセッションのやり取り数を増やす。
func (s *MemoryStore) RecordInteraction(ctx context.Context, id string, at time.Time) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.EndedAt != nil {
		return nil, nil
	}
	sess.InteractionCount++
	sess.LastActivityAt = at
	return cloneSession(sess), nil
}

// UndoSessionInteraction はアクティブなセッションのやり取り数を1減らす。
func (s *MemoryStore) UndoSessionInteraction(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok && sess.EndedAt == nil && sess.InteractionCount > 0 {
		sess.InteractionCount--
	}
	return nil
}

// CloseSession はアクティブなセッションを終了する。
func (s *MemoryStore) CloseSession(ctx context.Context, id string, endedAt time.Time, reason string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.EndedAt != nil {
		return nil, nil
	}
	t := endedAt
	sess.EndedAt = &t
	sess.CloseReason = reason
	return cloneSession(sess), nil
}

// ReopenSession は終了済みのセッションをアクティブに戻す。
func (s *MemoryStore) ReopenSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.EndedAt = nil
		sess.CloseReason = ""
	}
	return nil
}

// ListSessionsByUsername は開始の新しい順に返す。
func (s *MemoryStore) ListSessionsByUsername(ctx context.Context, username string) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Session
	for _, sess := range s.sessions {
		if sess.Username == username {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// ListIdleSessions はアイドルまたは期限切れのアクティブなセッションを返す。
func (s *MemoryStore) ListIdleSessions(ctx context.Context, idleBefore, now time.Time, limit int) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Session
	for _, sess := range s.sessions {
		if sess.EndedAt != nil {
			continue
		}
		if sess.LastActivityAt.Before(idleBefore) || sess.ExpiresAt.Before(now) {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.Before(out[j].LastActivityAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Sessions はSessionRepositoryとして振る舞うビューを返す。
// ユーザー・やり取りとメソッド名が衝突するため、セッション操作は別の型で公開する。
func (s *MemoryStore) Sessions() SessionRepository {
	return memorySessionRepo{s}
}

type memorySessionRepo struct {
	s *MemoryStore
}

func (r memorySessionRepo) Create(ctx context.Context, session *model.Session) error {
	return r.s.CreateSession(ctx, session)
}

func (r memorySessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return r.s.FindSessionByID(ctx, id)
}

func (r memorySessionRepo) RecordInteraction(ctx context.Context, id string, at time.Time) (*model.Session, error) {
	return r.s.RecordInteraction(ctx, id, at)
}

func (r memorySessionRepo) UndoInteraction(ctx context.Context, id string) error {
	return r.s.UndoSessionInteraction(ctx, id)
}

func (r memorySessionRepo) Close(ctx context.Context, id string, endedAt time.Time, reason string) (*model.Session, error) {
	return r.s.CloseSession(ctx, id, endedAt, reason)
}

func (r memorySessionRepo) Reopen(ctx context.Context, id string) error {
	return r.s.ReopenSession(ctx, id)
}

func (r memorySessionRepo) ListByUsername(ctx context.Context, username string) ([]*model.Session, error) {
	return r.s.ListSessionsByUsername(ctx, username)
}

func (r memorySessionRepo) ListIdle(ctx context.Context, idleBefore, now time.Time, limit int) ([]*model.Session, error) {
	return r.s.ListIdleSessions(ctx, idleBefore, now, limit)
}

func cloneUser(u *model.User) *model.User {
	c := *u
	c.PasswordDigest = append([]byte(nil), u.PasswordDigest...)
	c.Analytics = u.Analytics.Clone()
	return &c
}

func cloneSession(s *model.Session) *model.Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// compile-time interface check
var (
	_ UserRepository        = (*MemoryStore)(nil)
	_ InteractionRepository = (*MemoryStore)(nil)
	_ SessionRepository     = memorySessionRepo{}
)
