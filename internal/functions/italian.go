package functions

import (
	"fmt"
	"strings"
	"time"
)

var (
	weekdays = [...]string{"domenica", "lunedì", "martedì", "mercoledì", "giovedì", "venerdì", "sabato"}
	months   = [...]string{"gennaio", "febbraio", "marzo", "aprile", "maggio", "giugno",
		"luglio", "agosto", "settembre", "ottobre", "novembre", "dicembre"}
)

// italianDate renders t as "sabato 18 ottobre 2026".
func italianDate(t time.Time) string {
	return fmt.Sprintf("%s %d %s %d", weekdays[t.Weekday()], t.Day(), months[t.Month()-1], t.Year())
}

// italianClock renders the time of day as "14:05".
func italianClock(t time.Time) string {
	return t.Format("15:04")
}

// joinItalian joins items as "a, b e c".
func joinItalian(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " e " + items[len(items)-1]
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

// formatDuration speaks a duration: "1 ora e 5 minuti", "30 secondi".
func formatDuration(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	if secs <= 0 {
		return "0 secondi"
	}
	h, m, s := secs/3600, secs%3600/60, secs%60
	var parts []string
	if h > 0 {
		parts = append(parts, plural(h, "ora", "ore"))
	}
	if m > 0 {
		parts = append(parts, plural(m, "minuto", "minuti"))
	}
	if s > 0 {
		parts = append(parts, plural(s, "secondo", "secondi"))
	}
	return joinItalian(parts)
}

// capitalize upper-cases the first letter of s.
func capitalize(s string) string {
	for i, r := range s {
		return strings.ToUpper(string(r)) + s[i+len(string(r)):]
	}
	return s
}
