package composer

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minLength     = 3
	maxLength     = 500
	maxClosingLen = 150
)

var (
	// ErrEmpty is returned when generated text is too short to send.
	ErrEmpty = errors.New("composer: generated text too short")

	// ErrSpam is returned when generated text matches a promotional pattern.
	ErrSpam = errors.New("composer: generated text looks like spam")
)

var (
	boldPattern   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicPattern = regexp.MustCompile(`\*(.+?)\*`)
)

// Lowercase fragments that never appear in an organic message.
var spamPatterns = []string{
	"earn money", "passive income", "investment", "invest now",
	"free gift", "giveaway", "promo code", "discount", "sale ends",
	"follow the link", "click the link",
	"crypto", "bitcoin", "btc", "usdt",
	"casino", "betting", "jackpot",
}

// Clean normalizes generated text and rejects unusable output. Text longer
// than maxLen runes is truncated.
func Clean(text string, maxLen int) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.Trim(text, `"'`)
	text = boldPattern.ReplaceAllString(text, "$1")
	text = italicPattern.ReplaceAllString(text, "$1")
	text = strings.TrimSpace(text)

	if utf8.RuneCountInString(text) < minLength {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(text) > maxLen {
		text = string([]rune(text)[:maxLen])
	}

	lower := strings.ToLower(text)
	for _, p := range spamPatterns {
		if strings.Contains(lower, p) {
			return "", ErrSpam
		}
	}
	return text, nil
}
