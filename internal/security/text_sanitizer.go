// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は取引元（スクレイピング対象サイト）から返されたメッセージや
// ヒント文字列からHTMLを除去し、レポートやUIにそのまま渡せるプレーンテキストにする。
// bluemondayのStrictPolicyを使用し、全てのタグを除去する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxTextLength はサニタイズ後のテキストの最大文字数。
const DefaultMaxTextLength = 500

// TextSanitizerService は取引元由来のテキストをサニタイズするインターフェース。
type TextSanitizerService interface {
	// Sanitize は全てのHTMLタグを除去し、連続する空白を1つにまとめたテキストを返す。
	// 最大文字数を超える場合は切り詰める。同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// TextSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなため、複数のgoroutineから共有できる。
type TextSanitizer struct {
	policy    *bluemonday.Policy
	maxLength int
}

// NewTextSanitizer はTextSanitizerを生成する。
// maxLengthが0以下の場合はDefaultMaxTextLengthを使用する。
func NewTextSanitizer(maxLength int) *TextSanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxTextLength
	}
	return &TextSanitizer{
		policy:    bluemonday.StrictPolicy(),
		maxLength: maxLength,
	}
}

// Sanitize はHTMLを除去したプレーンテキストを返す。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはエンティティをエスケープして返すため、プレーンテキストに戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > s.maxLength {
		runes := []rune(text)
		text = string(runes[:s.maxLength]) + "…"
	}
	return text
}

var _ TextSanitizerService = (*TextSanitizer)(nil)
