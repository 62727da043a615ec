package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/edututor/internal/model"
)

// PostgresInteractionRepo はPostgreSQLを使用したやり取り履歴リポジトリ。
type PostgresInteractionRepo struct {
	db *sql.DB
}

// NewPostgresInteractionRepo はPostgresInteractionRepoを生成する。
func NewPostgresInteractionRepo(db *sql.DB) *PostgresInteractionRepo {
	return &PostgresInteractionRepo{db: db}
}

// Append はやり取りを1件追記する。
func (r *PostgresInteractionRepo) Append(ctx context.Context, in *model.Interaction) error {
	topics := in.Topics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("failed to encode topics: %w", err)
	}

	var score sql.NullFloat64
	if in.SentimentScore != nil {
		score = sql.NullFloat64{Float64: *in.SentimentScore, Valid: true}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO interactions
		   (id, username, session_id, user_input, ai_response, sentiment_score, sentiment_label, topics, "timestamp")
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ID, in.Username, in.SessionID, in.UserInput, in.AIResponse,
		score, in.SentimentLabel, topicsJSON, in.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append interaction: %w", err)
	}
	return nil
}

// ListRecent は指定ユーザーの直近のやり取りを新しい順に返す。
func (r *PostgresInteractionRepo) ListRecent(ctx context.Context, username string, limit int) ([]*model.Interaction, error) {
	if limit <= 0 {
		return []*model.Interaction{}, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, session_id, user_input, ai_response, sentiment_score, sentiment_label, topics, "timestamp"
		 FROM interactions
		 WHERE username = $1
		 ORDER BY "timestamp" DESC
		 LIMIT $2`,
		username, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	var out []*model.Interaction
	for rows.Next() {
		in := &model.Interaction{}
		var (
			score  sql.NullFloat64
			topics []byte
		)
		if err := rows.Scan(
			&in.ID, &in.Username, &in.SessionID, &in.UserInput, &in.AIResponse,
			&score, &in.SentimentLabel, &topics, &in.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		if score.Valid {
			v := score.Float64
			in.SentimentScore = &v
		}
		if err := json.Unmarshal(topics, &in.Topics); err != nil {
			return nil, fmt.Errorf("failed to decode topics: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interactions: %w", err)
	}
	return out, nil
}

// Remove は指定IDのやり取りを削除する。
func (r *PostgresInteractionRepo) Remove(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM interactions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to remove interaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ InteractionRepository = (*PostgresInteractionRepo)(nil)
