package functions

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	inRe      = regexp.MustCompile(`\b(?:tra|fra)\s+(\d+|un|una|un'|mezz'|mezza)\s*(minut[oi]|or[ae]|secondi)\b`)
	atRe      = regexp.MustCompile(`\b(?:alle|all'|verso le|per le)\s*(\d{1,2}|una)(?:(?::|\.|\s+e\s+)(\d{1,2}|mezza|mezzo|un quarto|quarto))?\b`)
	clockRe   = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	afterRe   = regexp.MustCompile(`\b(?:di sera|stasera|del pomeriggio|di pomeriggio|pomeriggio)\b`)
	tomorrow  = regexp.MustCompile(`\b(?:domani|domattina)\b`)
	noonRe    = regexp.MustCompile(`\b(?:a\s+)?mezzogiorno\b`)
	midnight  = regexp.MustCompile(`\b(?:a\s+)?mezzanotte\b`)
	repeatRe  = regexp.MustCompile(`\b(?:ogni giorno|tutti i giorni|ogni mattina|ogni sera)\b`)
	leadingRe = regexp.MustCompile(`^(?:di|che|a|per)\s+`)
)

// parseWhen finds an Italian time expression in text ("alle 18", "tra 10
// minuti", "domani alle 8 e mezza", "mezzogiorno") and returns the absolute
// time plus text with the expression removed. Times already past today move
// to tomorrow.
func parseWhen(text string, now time.Time) (time.Time, string, bool) {
	t := strings.ToLower(strings.TrimSpace(text))

	if m := inRe.FindStringSubmatchIndex(t); m != nil {
		n := 1
		qty := t[m[2]:m[3]]
		unit := t[m[4]:m[5]]
		switch qty {
		case "un", "una", "un'":
			n = 1
		case "mezz'", "mezza":
			if strings.HasPrefix(unit, "or") {
				return now.Add(30 * time.Minute), cut(t, m[0], m[1]), true
			}
		default:
			n, _ = strconv.Atoi(qty)
		}
		var d time.Duration
		switch {
		case strings.HasPrefix(unit, "or"):
			d = time.Duration(n) * time.Hour
		case strings.HasPrefix(unit, "second"):
			d = time.Duration(n) * time.Second
		default:
			d = time.Duration(n) * time.Minute
		}
		if d <= 0 {
			return time.Time{}, text, false
		}
		return now.Add(d), cut(t, m[0], m[1]), true
	}

	hour, minute := -1, 0
	rest := t
	switch {
	case noonRe.MatchString(t):
		hour = 12
		rest = noonRe.ReplaceAllString(t, "")
	case midnight.MatchString(t):
		hour = 0
		rest = midnight.ReplaceAllString(t, "")
	default:
		if m := atRe.FindStringSubmatchIndex(t); m != nil {
			hour = parseHour(t[m[2]:m[3]])
			if m[4] >= 0 {
				minute = parseMinute(t[m[4]:m[5]])
			}
			rest = cut(t, m[0], m[1])
		} else if m := clockRe.FindStringSubmatchIndex(t); m != nil {
			hour, _ = strconv.Atoi(t[m[2]:m[3]])
			minute, _ = strconv.Atoi(t[m[4]:m[5]])
			rest = cut(t, m[0], m[1])
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, text, false
	}
	if afterRe.MatchString(rest) {
		if hour < 12 {
			hour += 12
		}
		rest = afterRe.ReplaceAllString(rest, "")
	}

	day := now
	explicitDay := tomorrow.MatchString(rest)
	if explicitDay {
		day = now.AddDate(0, 0, 1)
		rest = tomorrow.ReplaceAllString(rest, "")
	}
	when := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	if !explicitDay && !when.After(now) {
		when = when.AddDate(0, 0, 1)
	}
	return when, tidy(rest), true
}

func parseHour(s string) int {
	if s == "una" {
		return 1
	}
	h, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return h
}

func parseMinute(s string) int {
	switch s {
	case "mezza", "mezzo":
		return 30
	case "un quarto", "quarto":
		return 15
	}
	m, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return m
}

func cut(s string, from, to int) string {
	return tidy(s[:from] + " " + s[to:])
}

// tidy collapses spaces and drops a leading connective left behind by cut.
func tidy(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, " ,.;!?")
	return strings.TrimSpace(leadingRe.ReplaceAllString(s, ""))
}

// hasWhen reports whether text carries a time expression.
func hasWhen(text string) bool {
	_, _, ok := parseWhen(text, time.Now())
	return ok
}
