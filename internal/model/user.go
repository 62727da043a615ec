package model

import "time"

// User はチューターを利用する学習者を表す。
// usernameが一意キーであり、ドキュメントストアでもこのキーで参照される。
type User struct {
	Username       string           `json:"username" bson:"username"`
	Email          string           `json:"email" bson:"email"`
	PasswordDigest []byte           `json:"-" bson:"password"`
	CreatedAt      time.Time        `json:"created_at" bson:"created_at"`
	Analytics      AnalyticsSummary `json:"analytics" bson:"analytics"`
}

// AnalyticsSummary はユーザーごとの対話履歴の集計値。
// 集計器（analytics.Aggregator）以外から直接変更しないこと。
type AnalyticsSummary struct {
	// TotalInteractions はスコアの有無にかかわらず記録されたやり取りの総数。
	TotalInteractions int64 `json:"total_interactions" bson:"total_interactions"`
	// ScoredInteractions は感情スコアが得られたやり取りの数。AvgSentimentの母数。
	ScoredInteractions int64 `json:"scored_interactions" bson:"scored_interactions"`
	// AvgSentiment は感情スコアの累積平均（[-1, 1]）。
	AvgSentiment float64 `json:"avg_sentiment" bson:"avg_sentiment"`
	// Trend は直近K件の感情スコア（古い順）。
	Trend    []float64       `json:"trend" bson:"trend"`
	Sessions []SessionRecord `json:"sessions" bson:"sessions"`
	Topics   []string        `json:"topics" bson:"topics"`
}

// Clone はスライスを含めて複製したサマリを返す。
func (s AnalyticsSummary) Clone() AnalyticsSummary {
	out := s
	out.Trend = append([]float64(nil), s.Trend...)
	out.Sessions = append([]SessionRecord(nil), s.Sessions...)
	out.Topics = append([]string(nil), s.Topics...)
	return out
}

// SessionRecord は終了済みセッションの記録。サマリのsessionsに追記される。
type SessionRecord struct {
	SessionID        string    `json:"session_id" bson:"session_id"`
	StartedAt        time.Time `json:"started_at" bson:"started_at"`
	EndedAt          time.Time `json:"ended_at" bson:"ended_at"`
	InteractionCount int       `json:"interaction_count" bson:"interaction_count"`
	Reason           string    `json:"reason" bson:"reason"`
}

// Duration はセッションの継続時間を返す。
func (r SessionRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
