package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/edututor/internal/model"
)

// pgUniqueViolation は一意制約違反のSQLSTATE。
const pgUniqueViolation = "23505"

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
// analyticsはJSONB列にドキュメントとして保持する。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByUsername は指定ユーザー名のユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	user := &model.User{}
	var analytics []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT username, email, password, created_at, analytics
		 FROM users WHERE username = $1`,
		username,
	).Scan(&user.Username, &user.Email, &user.PasswordDigest, &user.CreatedAt, &analytics)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if err := json.Unmarshal(analytics, &user.Analytics); err != nil {
		return nil, fmt.Errorf("failed to decode analytics: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。ユーザー名が重複する場合はErrDuplicateUsernameを返す。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	analytics, err := json.Marshal(withEmptySlices(user.Analytics))
	if err != nil {
		return fmt.Errorf("failed to encode analytics: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO users (username, email, password, created_at, analytics)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.Username, user.Email, user.PasswordDigest, user.CreatedAt, analytics,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return ErrDuplicateUsername
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// analyticsPatch はUpsertAnalyticsで上書きするフィールド。sessionsは含めない。
type analyticsPatch struct {
	TotalInteractions  int64     `json:"total_interactions"`
	ScoredInteractions int64     `json:"scored_interactions"`
	AvgSentiment       float64   `json:"avg_sentiment"`
	Trend              []float64 `json:"trend"`
	Topics             []string  `json:"topics"`
}

// UpsertAnalytics はanalyticsのうちsessions以外のキーをJSONBの結合で上書きする。
func (r *PostgresUserRepo) UpsertAnalytics(ctx context.Context, username string, summary model.AnalyticsSummary) error {
	s := withEmptySlices(summary)
	patch, err := json.Marshal(analyticsPatch{
		TotalInteractions:  s.TotalInteractions,
		ScoredInteractions: s.ScoredInteractions,
		AvgSentiment:       s.AvgSentiment,
		Trend:              s.Trend,
		Topics:             s.Topics,
	})
	if err != nil {
		return fmt.Errorf("failed to encode analytics: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET analytics = analytics || $2::jsonb WHERE username = $1`,
		username, patch,
	)
	if err != nil {
		return fmt.Errorf("failed to update analytics: %w", err)
	}
	return requireAffected(res)
}

// AppendSessionRecord はanalytics.sessions配列の末尾に記録を追加する。
func (r *PostgresUserRepo) AppendSessionRecord(ctx context.Context, username string, record model.SessionRecord) error {
	rec, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET analytics = jsonb_set(
		     analytics, '{sessions}',
		     COALESCE(analytics->'sessions', '[]'::jsonb) || jsonb_build_array($2::jsonb))
		 WHERE username = $1`,
		username, rec,
	)
	if err != nil {
		return fmt.Errorf("failed to append session record: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// withEmptySlices はJSONでnullではなく空配列を書くためにnilスライスを置き換える。
func withEmptySlices(s model.AnalyticsSummary) model.AnalyticsSummary {
	out := s.Clone()
	if out.Trend == nil {
		out.Trend = []float64{}
	}
	if out.Sessions == nil {
		out.Sessions = []model.SessionRecord{}
	}
	if out.Topics == nil {
		out.Topics = []string{}
	}
	return out
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
