package functions

import (
	"testing"
	"time"
)

func TestParseWhen(t *testing.T) {
	at := func(day, hour, minute int) time.Time {
		return time.Date(2026, time.October, day, hour, minute, 0, 0, time.UTC)
	}
	tests := []struct {
		text string
		want time.Time
		rest string
	}{
		{"alle 18", at(17, 18, 0), ""},
		{"chiamare il dottore alle 18", at(17, 18, 0), "chiamare il dottore"},
		{"alle 14:45 la riunione", at(17, 14, 45).AddDate(0, 0, 1), "la riunione"},
		{"alle 9", at(18, 9, 0), ""},
		{"domani alle 8 e mezza", at(18, 8, 30), ""},
		{"alle 7 di sera", at(17, 19, 0), ""},
		{"alle 16 e un quarto", at(17, 16, 15), ""},
		{"a mezzogiorno", at(18, 12, 0), ""},
		{"tra 10 minuti di girare l'arrosto", testNow.Add(10 * time.Minute), "girare l'arrosto"},
		{"fra 2 ore", testNow.Add(2 * time.Hour), ""},
		{"tra un'ora", testNow.Add(time.Hour), ""},
		{"tra mezz'ora", testNow.Add(30 * time.Minute), ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, rest, ok := parseWhen(tt.text, testNow)
			if !ok {
				t.Fatal("no time found")
			}
			if !got.Equal(tt.want) {
				t.Errorf("time = %s, want %s", got, tt.want)
			}
			if rest != tt.rest {
				t.Errorf("rest = %q, want %q", rest, tt.rest)
			}
		})
	}
}

func TestParseWhenRejects(t *testing.T) {
	for _, text := range []string{"compra il pane", "alle 25", "tra 0 minuti", ""} {
		if when, _, ok := parseWhen(text, testNow); ok {
			t.Errorf("parseWhen(%q) = %s, want no match", text, when)
		}
	}
}
