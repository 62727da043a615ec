package classifier

import (
	"context"
	"strings"
	"unicode"

	"github.com/hitoshi/edututor/internal/sentiment"
)

// 語彙ベース分類で使う単語リスト
var (
	positiveWords = []string{
		"good", "great", "awesome", "thanks", "thank", "love", "like", "happy", "excited",
		"clear", "helpful", "understand", "got", "easy", "fun", "nice", "cool", "perfect", "amazing",
	}
	negativeWords = []string{
		"bad", "hate", "confused", "confusing", "stuck", "hard", "difficult", "frustrated",
		"frustrating", "boring", "annoying", "wrong", "lost", "sad", "tired", "worried", "fail", "failed",
	}
	negators = []string{"not", "no", "never", "don't", "dont", "can't", "cant", "isn't", "doesn't", "didn't"}
)

// LexiconClassifier は外部APIを使わずに単語リストで感情分類を行う。
// 否定語の直後の語は極性を反転する。
type LexiconClassifier struct {
	positive map[string]struct{}
	negative map[string]struct{}
	negators map[string]struct{}
}

// NewLexiconClassifier は既定の単語リストでLexiconClassifierを生成する。
func NewLexiconClassifier() *LexiconClassifier {
	return &LexiconClassifier{
		positive: toSet(positiveWords),
		negative: toSet(negativeWords),
		negators: toSet(negators),
	}
}

// Name はプロバイダ名を返す。
func (c *LexiconClassifier) Name() string { return "lexicon" }

// Classify は入力文を分類する。
// 確信度は極性語のうち多数派が占める割合。極性語がなければneutral（確信度1）。
func (c *LexiconClassifier) Classify(ctx context.Context, text string) (sentiment.Classification, error) {
	if err := ctx.Err(); err != nil {
		return sentiment.Classification{}, err
	}

	var pos, neg int
	negate := false
	for _, w := range tokenize(text) {
		if _, ok := c.negators[w]; ok {
			negate = true
			continue
		}
		_, isPos := c.positive[w]
		_, isNeg := c.negative[w]
		if negate {
			isPos, isNeg = isNeg, isPos
			negate = false
		}
		if isPos {
			pos++
		}
		if isNeg {
			neg++
		}
	}

	total := pos + neg
	switch {
	case total == 0 || pos == neg:
		return sentiment.Classification{Label: sentiment.Neutral, Confidence: 1}, nil
	case pos > neg:
		return sentiment.Classification{Label: sentiment.Positive, Confidence: float64(pos) / float64(total)}, nil
	default:
		return sentiment.Classification{Label: sentiment.Negative, Confidence: float64(neg) / float64(total)}, nil
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
