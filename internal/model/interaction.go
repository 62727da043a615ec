package model

import "time"

// SentinelUnavailable は外部プロバイダが失敗したフィールドに記録する番兵値。
const SentinelUnavailable = "unavailable"

// Interaction は1回のやり取り（ユーザー入力・AI応答・感情スコア）を表す。
// 作成後は変更しない。追記のみで、削除はサマリへの反映に失敗したターンの取り消しに限る。
type Interaction struct {
	ID        string `json:"id" bson:"_id"`
	Username  string `json:"username" bson:"username"`
	SessionID string `json:"session_id" bson:"session_id"`
	UserInput string `json:"user_input" bson:"user_input"`
	// AIResponse はAI応答。応答が得られなかった場合は SentinelUnavailable。
	AIResponse string `json:"ai_response" bson:"ai_response"`
	// SentimentScore は正規化済みスコア。分類できなかった場合はnil。
	SentimentScore *float64 `json:"sentiment_score" bson:"sentiment_score"`
	// SentimentLabel は分類ラベル。分類できなかった場合は SentinelUnavailable。
	SentimentLabel string    `json:"sentiment_label" bson:"sentiment_label"`
	Topics         []string  `json:"topics,omitempty" bson:"topics,omitempty"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`
}

// Scored は感情スコアが得られているかを返す。
func (i *Interaction) Scored() bool {
	return i.SentimentScore != nil
}

// ReplyAvailable はAI応答が得られているかを返す。
func (i *Interaction) ReplyAvailable() bool {
	return i.AIResponse != SentinelUnavailable
}

// Turn は会話コンテキストとしてプロバイダに渡す過去のやり取り。
type Turn struct {
	UserInput  string
	AIResponse string
}
