// Package analytics はユーザーごとの感情スコア集計を逐次的に更新する。
package analytics

import (
	"github.com/hitoshi/edututor/internal/model"
)

// DefaultWindowSize はトレンドウィンドウの既定サイズ（K）。
const DefaultWindowSize = 20

// Aggregator は新しいスコアを既存のサマリに畳み込む。
// 全履歴を再走査せず、1件あたりO(1)で平均を更新する。
type Aggregator struct {
	windowSize int
}

// NewAggregator はトレンドウィンドウサイズを指定してAggregatorを生成する。
// 1未満の場合は既定値を使用する。
func NewAggregator(windowSize int) *Aggregator {
	if windowSize < 1 {
		windowSize = DefaultWindowSize
	}
	return &Aggregator{windowSize: windowSize}
}

// WindowSize はトレンドウィンドウのサイズを返す。
func (a *Aggregator) WindowSize() int {
	return a.windowSize
}

// Update はスコアを畳み込んだ新しいサマリを返す。引数のサマリは変更しない。
//
//	new_mean  = old_mean + (score - old_mean) / (old_count + 1)
//	new_count = old_count + 1
//
// トレンドウィンドウがKを超えた場合は最も古いスコアを捨てる。
func (a *Aggregator) Update(summary model.AnalyticsSummary, score float64, topics ...string) model.AnalyticsSummary {
	out := summary.Clone()

	out.AvgSentiment = summary.AvgSentiment + (score-summary.AvgSentiment)/float64(summary.ScoredInteractions+1)
	out.ScoredInteractions = summary.ScoredInteractions + 1
	out.TotalInteractions = summary.TotalInteractions + 1

	out.Trend = append(out.Trend, score)
	if over := len(out.Trend) - a.windowSize; over > 0 {
		out.Trend = append([]float64(nil), out.Trend[over:]...)
	}

	out.Topics = mergeTopics(out.Topics, topics)
	return out
}

// Skip はスコアが得られなかったやり取りをサマリに反映する。
// 総数のみ増やし、平均とトレンドは変えない。
func (a *Aggregator) Skip(summary model.AnalyticsSummary, topics ...string) model.AnalyticsSummary {
	out := summary.Clone()
	out.TotalInteractions = summary.TotalInteractions + 1
	out.Topics = mergeTopics(out.Topics, topics)
	return out
}

// Fold はやり取り1件をサマリに反映する。スコアの有無でUpdateとSkipを使い分ける。
func (a *Aggregator) Fold(summary model.AnalyticsSummary, in *model.Interaction) model.AnalyticsSummary {
	if in.SentimentScore == nil {
		return a.Skip(summary, in.Topics...)
	}
	return a.Update(summary, *in.SentimentScore, in.Topics...)
}

// Recompute は全履歴からサマリを再計算する。
// 逐次更新の結果と突き合わせるための参照実装。
func (a *Aggregator) Recompute(history []*model.Interaction) model.AnalyticsSummary {
	var (
		s   model.AnalyticsSummary
		sum float64
	)
	for _, in := range history {
		s.TotalInteractions++
		s.Topics = mergeTopics(s.Topics, in.Topics)
		if in.SentimentScore == nil {
			continue
		}
		s.ScoredInteractions++
		sum += *in.SentimentScore
		s.Trend = append(s.Trend, *in.SentimentScore)
	}
	if s.ScoredInteractions > 0 {
		s.AvgSentiment = sum / float64(s.ScoredInteractions)
	}
	if over := len(s.Trend) - a.windowSize; over > 0 {
		s.Trend = s.Trend[over:]
	}
	return s
}

// mergeTopics は重複を除いてトピックを追加する。空文字は無視する。
func mergeTopics(existing []string, topics []string) []string {
	if len(topics) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing)+len(topics))
	for _, t := range existing {
		seen[t] = struct{}{}
	}
	for _, t := range topics {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		existing = append(existing, t)
	}
	return existing
}
