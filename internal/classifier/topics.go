package classifier

import (
	"sort"
	"strings"
)

// defaultTopics はトピック名とそれを示すキーワード。
var defaultTopics = map[string][]string{
	"math":        {"math", "algebra", "equation", "fraction", "geometry", "calculus", "number", "integral", "derivative", "multiply", "divide"},
	"science":     {"science", "physics", "chemistry", "biology", "atom", "molecule", "energy", "cell", "photosynthesis", "gravity"},
	"programming": {"code", "program", "programming", "python", "golang", "javascript", "function", "variable", "loop", "algorithm", "bug"},
	"history":     {"history", "war", "empire", "revolution", "ancient", "century", "president", "king"},
	"language":    {"grammar", "vocabulary", "essay", "spelling", "verb", "noun", "sentence", "translate", "english"},
	"geography":   {"map", "country", "continent", "river", "mountain", "capital", "climate"},
}

// KeywordTagger はキーワード一致で入力文にトピックタグを付ける。
// ハッシュタグ（#tag）はそのままタグとして採用する。
type KeywordTagger struct {
	topics  map[string][]string
	maxTags int
}

// NewKeywordTagger は既定のトピック辞書でKeywordTaggerを生成する。
func NewKeywordTagger(maxTags int) *KeywordTagger {
	if maxTags < 1 {
		maxTags = 3
	}
	return &KeywordTagger{topics: defaultTopics, maxTags: maxTags}
}

// Tag は入力文のトピックタグを名前順で返す。
func (t *KeywordTagger) Tag(text string) []string {
	tags := make(map[string]struct{})

	for _, word := range strings.Fields(text) {
		if strings.HasPrefix(word, "#") {
			tag := strings.ToLower(strings.Trim(strings.TrimPrefix(word, "#"), ".,!?"))
			if tag != "" {
				tags[tag] = struct{}{}
			}
		}
	}

	words := toSet(tokenize(text))
	for topic, keywords := range t.topics {
		for _, kw := range keywords {
			if _, ok := words[kw]; ok {
				tags[topic] = struct{}{}
				break
			}
		}
	}

	result := make([]string, 0, len(tags))
	for tag := range tags {
		result = append(result, tag)
	}
	sort.Strings(result)
	if len(result) > t.maxTags {
		result = result[:t.maxTags]
	}
	return result
}
