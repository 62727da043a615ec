package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ReplySanitizer はAI応答を保存・表示する前に無害化する。
// 応答はHTML断片として扱い、書式用の限られたタグ以外を除去する。
// 外部画像は読み込ませないためimgは許可しない。
type ReplySanitizer struct {
	policy *bluemonday.Policy
}

// NewReplySanitizer はReplySanitizerを生成する。
//   - 許可タグ: p, br, ul, ol, li, blockquote, pre, code, strong, em, b, i, h3, h4, a
//   - aタグ: httpsのhrefのみ。target="_blank" と rel="noopener noreferrer" を付与
func NewReplySanitizer() *ReplySanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "b", "i", "h3", "h4",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &ReplySanitizer{policy: p}
}

// Sanitize はAI応答を無害化する。前後の空白は取り除く。
func (s *ReplySanitizer) Sanitize(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}
