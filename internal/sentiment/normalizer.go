// Package sentiment は感情分類器の出力（ラベルと確信度）を有界スコアに正規化する。
package sentiment

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/hitoshi/edututor/internal/model"
)

// Label は感情の分類ラベル。
type Label string

const (
	Negative Label = "negative"
	Neutral  Label = "neutral"
	Positive Label = "positive"
)

// Classification は分類器の出力。
type Classification struct {
	Label      Label
	Confidence float64
}

// labelAliases は分類器ごとに異なるラベル表記を正規のラベルへ対応付ける。
// LABEL_0/1/2 は cardiffnlp/twitter-roberta-base-sentiment 系の出力。
var labelAliases = map[string]Label{
	"negative": Negative,
	"neg":      Negative,
	"label_0":  Negative,
	"neutral":  Neutral,
	"neu":      Neutral,
	"label_1":  Neutral,
	"positive": Positive,
	"pos":      Positive,
	"label_2":  Positive,
}

// ParseLabel は分類器が返したラベル文字列を解釈する。
// 大文字小文字は区別しない。未知のラベルはInvalidInputエラーを返す。
func ParseLabel(raw string) (Label, error) {
	l, ok := labelAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", model.NewInvalidInputError(fmt.Sprintf("未知の感情ラベル %q", raw))
	}
	return l, nil
}

// Mapping はラベルごとの基準値（アンカー）とスコアの値域を定義する。
type Mapping struct {
	Anchors map[Label]float64
	Min     float64
	Max     float64
}

// DefaultMapping は[-1, 1]スケールの既定マッピングを返す。
// negative=-1, neutral=0, positive=+1。
func DefaultMapping() Mapping {
	return Mapping{
		Anchors: map[Label]float64{
			Negative: -1,
			Neutral:  0,
			Positive: 1,
		},
		Min: -1,
		Max: 1,
	}
}

// Midpoint は値域の中点を返す。
func (m Mapping) Midpoint() float64 {
	return (m.Min + m.Max) / 2
}

// Validate はマッピングの整合性を検証する。
func (m Mapping) Validate() error {
	if m.Min >= m.Max {
		return fmt.Errorf("invalid score range [%v, %v]", m.Min, m.Max)
	}
	if len(m.Anchors) == 0 {
		return fmt.Errorf("no anchors defined")
	}
	for l, a := range m.Anchors {
		if math.IsNaN(a) || a < m.Min || a > m.Max {
			return fmt.Errorf("anchor for %s out of range: %v", l, a)
		}
	}
	return nil
}

// ParseAnchors は "negative=-1,neutral=0,positive=1" 形式の設定値を解釈する。
// 指定されなかったラベルは既定値を引き継ぐ。
func ParseAnchors(raw string) (Mapping, error) {
	m := DefaultMapping()
	if strings.TrimSpace(raw) == "" {
		return m, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return Mapping{}, fmt.Errorf("invalid anchor %q: want label=value", pair)
		}
		l, err := ParseLabel(k)
		if err != nil {
			return Mapping{}, fmt.Errorf("invalid anchor label %q", k)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return Mapping{}, fmt.Errorf("invalid anchor value %q: %w", v, err)
		}
		m.Anchors[l] = f
	}
	if err := m.Validate(); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// String は設定値と同じ形式でマッピングを表現する。
func (m Mapping) String() string {
	parts := make([]string, 0, len(m.Anchors))
	for l, a := range m.Anchors {
		parts = append(parts, fmt.Sprintf("%s=%g", l, a))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Normalizer はラベルと確信度をスコアに変換する。状態を持たない純粋関数として振る舞う。
type Normalizer struct {
	mapping Mapping
}

// NewNormalizer はマッピングを検証してNormalizerを生成する。
func NewNormalizer(m Mapping) (*Normalizer, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	anchors := make(map[Label]float64, len(m.Anchors))
	for l, a := range m.Anchors {
		anchors[l] = a
	}
	m.Anchors = anchors
	return &Normalizer{mapping: m}, nil
}

// Mapping は使用中のマッピングを返す。
func (n *Normalizer) Mapping() Mapping {
	return n.mapping
}

// Normalize はスコア = アンカー × 確信度 を値域に収めて返す。
// 確信度が低いほど中立（0）に寄る。neutralのアンカーは0なので確信度によらず0になる。
// 確信度が[0, 1]の範囲外・NaN、またはラベルが未定義の場合はInvalidInputエラーを返す。
func (n *Normalizer) Normalize(label Label, confidence float64) (float64, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return 0, model.NewInvalidInputError(fmt.Sprintf("確信度は0から1の範囲で指定してください: %v", confidence))
	}
	anchor, ok := n.mapping.Anchors[label]
	if !ok {
		return 0, model.NewInvalidInputError(fmt.Sprintf("未知の感情ラベル %q", label))
	}
	score := anchor * confidence
	return math.Max(n.mapping.Min, math.Min(n.mapping.Max, score)), nil
}

// NormalizeClassification はClassificationを正規化する。
func (n *Normalizer) NormalizeClassification(c Classification) (float64, error) {
	return n.Normalize(c.Label, c.Confidence)
}

// Describe は表示用の気分ラベルを返す。
// [0,1]スケールでの 0.6 / 0.4 の閾値を[-1,1]スケールに換算した ±0.2 で区切る。
func Describe(score float64) Label {
	switch {
	case score > 0.2:
		return Positive
	case score < -0.2:
		return Negative
	default:
		return Neutral
	}
}
