package game

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	MaxNameLength        = 32
	MaxDescriptionLength = 1738
)

// CleanName normalizes a display name and bounds its length.
func CleanName(name string) string {
	return clean(name, MaxNameLength)
}

// CleanDescription normalizes description text and bounds its length. It
// does not neutralize prompt syntax; the script writer does that.
func CleanDescription(text string) string {
	return clean(text, MaxDescriptionLength)
}

func clean(s string, max int) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > max {
		s = strings.TrimSpace(string(r[:max]))
	}
	return s
}
