package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/edututor/internal/model"
)

const sessionColumns = `id, username, started_at, last_activity_at, ended_at, interaction_count, expires_at, close_reason`

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, s *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, username, started_at, last_activity_at, interaction_count, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Username, s.StartedAt, s.LastActivityAt, s.InteractionCount, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

// RecordInteraction はアクティブなセッションのやり取り数を1増やす。
// 条件付きUPDATEなので、終了処理と並行しても終了後に加算されることはない。
func (r *PostgresSessionRepo) RecordInteraction(ctx context.Context, id string, at time.Time) (*model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`UPDATE sessions
		 SET interaction_count = interaction_count + 1, last_activity_at = $2
		 WHERE id = $1 AND ended_at IS NULL
		 RETURNING `+sessionColumns,
		id, at,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record interaction: %w", err)
	}
	return s, nil
}

// UndoInteraction はアクティブなセッションのやり取り数を1減らす。
func (r *PostgresSessionRepo) UndoInteraction(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions
		 SET interaction_count = interaction_count - 1
		 WHERE id = $1 AND ended_at IS NULL AND interaction_count > 0`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to undo interaction: %w", err)
	}
	return nil
}

// Close はアクティブなセッションを終了する。既に終了済みの場合はnilを返す。
func (r *PostgresSessionRepo) Close(ctx context.Context, id string, endedAt time.Time, reason string) (*model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`UPDATE sessions
		 SET ended_at = $2, close_reason = $3
		 WHERE id = $1 AND ended_at IS NULL
		 RETURNING `+sessionColumns,
		id, endedAt, reason,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}
	return s, nil
}

// Reopen は終了済みのセッションをアクティブに戻す。
func (r *PostgresSessionRepo) Reopen(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions
		 SET ended_at = NULL, close_reason = ''
		 WHERE id = $1 AND ended_at IS NOT NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to reopen session: %w", err)
	}
	return nil
}

// ListByUsername は指定ユーザーのセッションを開始の新しい順に返す。
func (r *PostgresSessionRepo) ListByUsername(ctx context.Context, username string) ([]*model.Session, error) {
	return r.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE username = $1 ORDER BY started_at DESC`,
		username,
	)
}

// ListIdle はアイドルまたは期限切れのアクティブなセッションを返す。
func (r *PostgresSessionRepo) ListIdle(ctx context.Context, idleBefore, now time.Time, limit int) ([]*model.Session, error) {
	return r.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE ended_at IS NULL AND (last_activity_at < $1 OR expires_at < $2)
		 ORDER BY last_activity_at
		 LIMIT $3`,
		idleBefore, now, limit,
	)
}

func (r *PostgresSessionRepo) query(ctx context.Context, query string, args ...any) ([]*model.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	s := &model.Session{}
	var ended sql.NullTime
	if err := row.Scan(
		&s.ID, &s.Username, &s.StartedAt, &s.LastActivityAt, &ended,
		&s.InteractionCount, &s.ExpiresAt, &s.CloseReason,
	); err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return s, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
