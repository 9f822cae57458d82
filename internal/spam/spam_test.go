package spam

import "testing"

func TestScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "plain text", text: "halo semuanya", want: 0},
		{name: "keywords capped at three", text: "gratis promo bonus hadiah menang", want: 30},
		{name: "single keyword", text: "ada promo hari ini", want: 10},
		{name: "url only", text: "see https://example.org", want: 20},
		{name: "shortlink counts as url", text: "cek wa.me/628123 ya", want: 20},
		{name: "shouting with punctuation", text: "MENANG JACKPOT!!!", want: 60},
		{name: "junk broadcast", text: "GRATIS!!! klik WA.ME sekarang!!!", want: 55},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.text); got != tt.want {
				t.Fatalf("Score(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestIsSpam(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want bool
	}{
		{name: "junk broadcast", text: "GRATIS!!! klik WA.ME sekarang!!!", want: true},
		{name: "shouting jackpot", text: "MENANG JACKPOT!!!", want: true},
		{name: "short text never spam", text: "GRATIS!", want: false},
		{name: "normal message", text: "meeting dimulai jam 10 pagi", want: false},
		{name: "link in normal text", text: "notulen ada di https://example.org/notes", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSpam(tt.text); got != tt.want {
				t.Fatalf("IsSpam(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestCapsRatioIgnoresNonLetters(t *testing.T) {
	t.Parallel()
	if got := capsRatio("ABC def 123 !!!"); got != 0.5 {
		t.Fatalf("capsRatio = %v, want 0.5", got)
	}
	if got := capsRatio("1234 !!!"); got != 0 {
		t.Fatalf("capsRatio of letterless text = %v, want 0", got)
	}
}
