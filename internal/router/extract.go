package router

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	stationRe   = regexp.MustCompile(`radio\s*(\w+)`)
	indexRe     = regexp.MustCompile(`\b(\d{1,3})\b`)
	cityRe      = regexp.MustCompile(`(?:^|\s)(?:a|di|per|su|ad)\s+([\p{L}']+)`)
	minutesRe   = regexp.MustCompile(`(\d+)\s*minut`)
	secondsRe   = regexp.MustCompile(`(\d+)\s*second`)
	hoursRe     = regexp.MustCompile(`(\d+)\s*or[ae]\b`)
	wordTimeRe  = regexp.MustCompile(`\b([a-z]+)\s+minut`)
	translateRe = regexp.MustCompile(`(?:traduci|come si dice|traduzione di)\s+(.+?)\s+in\s+([a-z]+)\s*\??$`)
	shopAddRe   = regexp.MustCompile(`(?:aggiungi|metti|inserisci)\s+(.+?)\s+(?:alla|nella|in)\s+(?:lista|spesa)`)
	diceFacesRe = regexp.MustCompile(`\bd(\d{1,3})\b`)
)

// articles stripped from the front of extracted entities.
var articles = []string{"il ", "lo ", "la ", "i ", "gli ", "le ", "l'", "un ", "uno ", "una ", "un'", "del ", "della ", "dello "}

// stripArticles removes leading Italian articles: "la radio deejay" becomes "radio deejay".
func stripArticles(s string) string {
	s = strings.TrimSpace(s)
	for changed := true; changed; {
		changed = false
		for _, a := range articles {
			if strings.HasPrefix(s, a) && len(s) > len(a) {
				s = strings.TrimSpace(s[len(a):])
				changed = true
			}
		}
	}
	return s
}

// stationAliases maps words that identify a station without the word "radio".
var stationAliases = []string{"rtl 102.5", "rtl", "m2o", "virgin radio", "kiss kiss", "deejay", "capital", "zeta", "105", "radio italia", "rai radio 1", "rai radio 2", "rai radio 3", "radio radicale", "bbc"}

// notStations are words that follow "radio" without naming a station:
// "metti la radio per favore", "accendi la radio sul 105".
var notStations = map[string]bool{
	"per": true, "favore": true, "grazie": true, "adesso": true, "ora": true, "subito": true,
	"un": true, "una": true, "che": true, "e": true, "su": true, "sul": true, "sulla": true,
	"a": true, "al": true, "alla": true, "di": true, "del": true, "della": true, "in": true,
	"nel": true, "nella": true, "da": true, "con": true, "piu": true, "forte": true, "piano": true,
	"qui": true, "qua": true, "dai": true, "pure": true, "perfavore": true, "please": true,
}

// extractStation returns the station named in text, whitespace-joined, or "".
func extractStation(text string) string {
	for _, m := range stationRe.FindAllStringSubmatch(text, -1) {
		if !notStations[m[1]] {
			return strings.Join(strings.Fields(m[0]), " ")
		}
	}
	for _, alias := range stationAliases {
		if strings.Contains(text, alias) {
			return alias
		}
	}
	return ""
}

// extractIndex returns the first small number in text: "annulla il
// promemoria 2".
func extractIndex(text string) (int, bool) {
	m := indexRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil && n > 0
}

var notCities = map[string]bool{
	"oggi": true, "domani": true, "dopodomani": true, "stasera": true, "stanotte": true,
	"settimana": true, "weekend": true, "fine": true, "casa": true, "qui": true, "che": true,
}

// compound city prefixes that take the following word too.
var cityPrefixes = map[string]bool{"san": true, "santa": true, "santo": true, "la": true, "reggio": true, "porto": true, "castel": true}

// extractCity returns the first word after a/di/per/su that is not a time word.
func extractCity(text string) string {
	for _, m := range cityRe.FindAllStringSubmatchIndex(text, -1) {
		city := text[m[2]:m[3]]
		if notCities[city] {
			continue
		}
		if cityPrefixes[city] {
			rest := strings.Fields(text[m[3]:])
			if len(rest) > 0 {
				city += " " + rest[0]
			}
		}
		return city
	}
	return ""
}

var numberWords = map[string]int{
	"un": 1, "uno": 1, "due": 2, "tre": 3, "quattro": 4, "cinque": 5, "sei": 6, "sette": 7, "otto": 8,
	"nove": 9, "dieci": 10, "undici": 11, "dodici": 12, "quindici": 15, "venti": 20, "trenta": 30,
	"quaranta": 40, "quarantacinque": 45, "cinquanta": 50, "sessanta": 60, "novanta": 90,
}

// extractMinutes reads a duration in minutes from text, ok=false if none is named.
func extractMinutes(text string) (int, bool) {
	total, found := 0, false
	if m := hoursRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		total += n * 60
		found = true
	}
	if strings.Contains(text, "mezz'ora") || strings.Contains(text, "mezzora") {
		total += 30
		found = true
	}
	if strings.Contains(text, "un'ora") && !found {
		total += 60
		found = true
	}
	if m := minutesRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		total += n
		found = true
	} else if m := wordTimeRe.FindStringSubmatch(text); m != nil {
		if n, ok := numberWords[m[1]]; ok {
			total += n
			found = true
		}
	}
	return total, found
}

// extractSeconds reads "N secondi".
func extractSeconds(text string) (int, bool) {
	m := secondsRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}

var zodiacSigns = []string{"ariete", "toro", "gemelli", "cancro", "leone", "vergine", "bilancia", "scorpione", "sagittario", "capricorno", "acquario", "pesci"}

func extractSign(text string) string {
	for _, w := range strings.Fields(text) {
		w = strings.Trim(w, "?!.,")
		for _, s := range zodiacSigns {
			if w == s {
				return s
			}
		}
	}
	return ""
}

// Languages maps Italian language names (folded) to themselves and English
// names to the Italian ones.
var languageNames = map[string]string{
	"inglese": "inglese", "francese": "francese", "spagnolo": "spagnolo", "tedesco": "tedesco",
	"portoghese": "portoghese", "russo": "russo", "cinese": "cinese", "giapponese": "giapponese",
	"arabo": "arabo", "coreano": "coreano", "olandese": "olandese", "greco": "greco",
	"polacco": "polacco", "rumeno": "rumeno", "turco": "turco", "hindi": "hindi", "italiano": "italiano",
	"english": "inglese", "french": "francese", "spanish": "spagnolo", "german": "tedesco",
}

// extractLanguage returns the first language named in text, skipping "italiano"
// unless it is the only one.
func extractLanguage(text string) string {
	sawItalian := false
	for _, w := range strings.Fields(text) {
		w = strings.Trim(w, "?!.,")
		if lang, ok := languageNames[w]; ok {
			if lang == "italiano" {
				sawItalian = true
				continue
			}
			return lang
		}
	}
	if sawItalian {
		return "italiano"
	}
	return ""
}

// afterTrigger returns the text following the first trigger found, or text.
func afterTrigger(text string, triggers ...string) string {
	for _, t := range triggers {
		if i := strings.Index(text, t); i >= 0 {
			rest := strings.TrimSpace(text[i+len(t):])
			if rest != "" {
				return rest
			}
		}
	}
	return text
}

var quizCategories = map[string]string{
	"cultura generale": "cultura_generale", "italia": "italia", "sport": "sport",
	"scienza": "scienza", "musica": "musica_cinema", "cinema": "musica_cinema",
}

func extractQuizCategory(text string) string {
	for _, key := range []string{"cultura generale", "italia", "sport", "scienza", "musica", "cinema"} {
		if strings.Contains(text, key) {
			return quizCategories[key]
		}
	}
	return ""
}

func extractDiceFaces(text string) (int, bool) {
	m := diceFacesRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil && n > 1
}
