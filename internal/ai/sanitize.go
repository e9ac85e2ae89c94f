package ai

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxPromptInput is the longest description passed into a prompt.
const MaxPromptInput = 1738

var promptReplacer = strings.NewReplacer(
	"```", "`\u200b`",
	"<", "&lt;",
	">", "&gt;",
	"${", "$\\{",
	"{{", "{ {",
	"}}", "} }",
)

// Sanitize neutralizes text before it is embedded in a prompt: code fences
// are broken, angle brackets escaped, template syntax defused and the
// result cut to max runes.
func Sanitize(text string, max int) string {
	if text == "" {
		return ""
	}
	if max <= 0 {
		max = MaxPromptInput
	}
	out := promptReplacer.Replace(norm.NFKC.String(text))
	if r := []rune(out); len(r) > max {
		out = string(r[:max])
	}
	return out
}
