package types

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Utterance is one transcribed user turn. Raw is never modified; Text is the
// lowercased, accent-folded, whitespace-collapsed working copy used for matching.
type Utterance struct {
	Raw   string
	Text  string
	Words []string
}

// NewUtterance normalizes raw into an Utterance.
func NewUtterance(raw string) Utterance {
	text := Fold(raw)
	return Utterance{Raw: raw, Text: text, Words: strings.Fields(text)}
}

// Fold lowercases s, strips diacritics and collapses whitespace.
// "Modalità  Interprete" becomes "modalita interprete".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.Map(func(r rune) rune {
		switch r {
		case '’', '`':
			return '\''
		}
		return r
	}, strings.ToLower(folded))
	return strings.Join(strings.Fields(folded), " ")
}

// WordCount returns the number of whitespace-separated words.
func (u Utterance) WordCount() int { return len(u.Words) }

// Contains reports whether the working text contains any of the folded keywords.
func (u Utterance) Contains(keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(u.Text, kw) {
			return true
		}
	}
	return false
}

// HasWord reports whether any word, stripped of punctuation, equals one of words.
func (u Utterance) HasWord(words ...string) bool {
	for _, w := range u.Words {
		w = strings.TrimFunc(w, func(r rune) bool { return unicode.IsPunct(r) })
		for _, cand := range words {
			if w == cand {
				return true
			}
		}
	}
	return false
}

// Empty reports whether the utterance carries no words.
func (u Utterance) Empty() bool { return len(u.Words) == 0 }
