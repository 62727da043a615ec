package analytics

import (
	"time"

	"github.com/hitoshi/edututor/internal/model"
	"github.com/hitoshi/edututor/internal/sentiment"
)

// Snapshot はダッシュボード表示用の集計ビュー。
type Snapshot struct {
	TotalInteractions  int64                 `json:"total_interactions"`
	ScoredInteractions int64                 `json:"scored_interactions"`
	AvgSentiment       float64               `json:"avg_sentiment"`
	Mood               sentiment.Label       `json:"mood"`
	Trend              []float64             `json:"trend"`
	TrendMean          float64               `json:"trend_mean"`
	Topics             []string              `json:"topics"`
	Sessions           []model.SessionRecord `json:"sessions"`
	CurrentSession     *CurrentSession       `json:"current_session,omitempty"`
}

// CurrentSession は進行中セッションのライブ情報。
// 終了前のセッションは履歴集計には含めないが、ダッシュボードには表示する。
type CurrentSession struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"started_at"`
	DurationMinutes  int       `json:"duration_minutes"`
	InteractionCount int       `json:"interaction_count"`
}

// NewSnapshot はサマリと進行中のセッションからSnapshotを組み立てる。
// currentがnilまたは終了済みの場合はCurrentSessionを省略する。
func NewSnapshot(summary model.AnalyticsSummary, current *model.Session, now time.Time) Snapshot {
	s := summary.Clone()
	snap := Snapshot{
		TotalInteractions:  s.TotalInteractions,
		ScoredInteractions: s.ScoredInteractions,
		AvgSentiment:       s.AvgSentiment,
		Mood:               sentiment.Describe(s.AvgSentiment),
		Trend:              nonNilFloats(s.Trend),
		TrendMean:          mean(s.Trend),
		Topics:             nonNilStrings(s.Topics),
		Sessions:           s.Sessions,
	}
	if snap.Sessions == nil {
		snap.Sessions = []model.SessionRecord{}
	}
	if current.State() == model.SessionActive {
		snap.CurrentSession = &CurrentSession{
			ID:               current.ID,
			StartedAt:        current.StartedAt,
			DurationMinutes:  int(now.Sub(current.StartedAt).Minutes()),
			InteractionCount: current.InteractionCount,
		}
	}
	return snap
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func nonNilFloats(xs []float64) []float64 {
	if xs == nil {
		return []float64{}
	}
	return xs
}

func nonNilStrings(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
