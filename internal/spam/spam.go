// Package spam scores outgoing message text for spam likelihood.
//
// The score is a 0..100 heuristic built from four signals: known spam
// keywords, shouting (caps ratio), punctuation density, and URL-ish
// substrings. It gates broadcasts before any message is sent.
package spam

import (
	"strings"
	"unicode"
)

// Keywords commonly seen in junk broadcasts. Matched case-insensitively
// as substrings.
var keywords = []string{
	"gratis",
	"promo",
	"bonus",
	"hadiah",
	"menang",
	"jackpot",
	"klik",
	"diskon",
	"murah",
	"transfer",
	"deposit",
	"togel",
	"slot",
}

// Short-link hosts and generic URL markers.
var urlMarkers = []string{
	"http",
	"www.",
	"bit.ly",
	"tinyurl",
	"s.id",
	"wa.me",
	"t.co",
	".com",
	".net",
	".org",
	".xyz",
}

const (
	keywordWeight  = 10
	maxKeywordHits = 3
	capsWeight     = 25
	punctWeight    = 15
	urlWeight      = 20

	capsThreshold  = 0.5
	punctThreshold = 0.1

	spamScoreMin = 50
	spamLenMin   = 10
)

// Score rates text 0..100. Higher means more spam-like.
func Score(text string) int {
	if text == "" {
		return 0
	}
	lower := strings.ToLower(text)

	score := 0

	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	if hits > maxKeywordHits {
		hits = maxKeywordHits
	}
	score += hits * keywordWeight

	if capsRatio(text) > capsThreshold {
		score += capsWeight
	}

	if punctFraction(text) > punctThreshold {
		score += punctWeight
	}

	for _, m := range urlMarkers {
		if strings.Contains(lower, m) {
			score += urlWeight
			break
		}
	}

	if score > 100 {
		score = 100
	}
	return score
}

// IsSpam reports whether text should be rejected outright.
// Very short texts are never flagged; they trip the caps ratio too easily.
func IsSpam(text string) bool {
	return len(text) >= spamLenMin && Score(text) >= spamScoreMin
}

// capsRatio is uppercase letters over total letters. Non-letters are ignored.
func capsRatio(text string) float64 {
	letters, upper := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

// punctFraction is the share of emphatic punctuation in the whole text.
func punctFraction(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	n := 0
	for _, r := range text {
		switch r {
		case '!', '?', '.', ',':
			n++
		}
	}
	return float64(n) / float64(len(text))
}
