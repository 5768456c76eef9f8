package functions

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

type language struct {
	Name   string
	Code   string
	Native string
	Flag   string
	// Script is nil for Latin-script languages.
	Script *unicode.RangeTable
}

var languages = []language{
	{"inglese", "en", "English", "🇬🇧", nil},
	{"francese", "fr", "Français", "🇫🇷", nil},
	{"spagnolo", "es", "Español", "🇪🇸", nil},
	{"tedesco", "de", "Deutsch", "🇩🇪", nil},
	{"portoghese", "pt", "Português", "🇵🇹", nil},
	{"russo", "ru", "Русский", "🇷🇺", unicode.Cyrillic},
	{"cinese", "zh", "中文", "🇨🇳", unicode.Han},
	{"giapponese", "ja", "日本語", "🇯🇵", unicode.Hiragana},
	{"coreano", "ko", "한국어", "🇰🇷", unicode.Hangul},
	{"arabo", "ar", "العربية", "🇸🇦", unicode.Arabic},
	{"olandese", "nl", "Nederlands", "🇳🇱", nil},
	{"polacco", "pl", "Polski", "🇵🇱", nil},
	{"greco", "el", "Ελληνικά", "🇬🇷", unicode.Greek},
	{"turco", "tr", "Türkçe", "🇹🇷", nil},
	{"hindi", "hi", "हिन्दी", "🇮🇳", unicode.Devanagari},
	{"rumeno", "ro", "Română", "🇷🇴", nil},
}

var languageAliases = map[string]string{
	"english": "inglese", "french": "francese", "spanish": "spagnolo", "german": "tedesco",
	"portuguese": "portoghese", "russian": "russo", "chinese": "cinese", "mandarino": "cinese",
	"japanese": "giapponese", "korean": "coreano", "arabic": "arabo", "dutch": "olandese",
	"polish": "polacco", "greek": "greco", "turkish": "turco", "romanian": "rumeno",
}

func findLanguage(name string) (language, bool) {
	n := types.Fold(name)
	if alias, ok := languageAliases[n]; ok {
		n = alias
	}
	if n == "" {
		return language{}, false
	}
	for _, l := range languages {
		if l.Name == n || l.Code == n || strings.Contains(n, l.Name) {
			return l, true
		}
	}
	return language{}, false
}

// detectScript returns the language whose non-Latin script dominates text.
func detectScript(text string) (language, bool) {
	total := 0
	counts := make(map[string]int)
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		total++
		for _, l := range languages {
			if l.Script != nil && unicode.Is(l.Script, r) {
				counts[l.Name]++
			}
		}
		// Kana marks Japanese even when mixed with Han.
		if unicode.Is(unicode.Katakana, r) {
			counts["giapponese"]++
		}
	}
	if total == 0 {
		return language{}, false
	}
	if counts["giapponese"] > 0 && counts["cinese"] > 0 {
		l, _ := findLanguage("giapponese")
		return l, true
	}
	for _, l := range languages {
		if l.Script != nil && counts[l.Name]*10 > total*3 {
			return l, true
		}
	}
	return language{}, false
}

var (
	interpreterExitPhrases = []string{
		"torna normale", "modalita normale", "parla italiano", "traduzione off", "interprete off",
		"stop traduttore", "esci dal traduttore", "disattiva traduttore", "fine traduzione",
		"basta tradurre", "smetti di tradurre", "disattiva interprete", "esci dalla modalita",
	}
	interpreterExitWords = []string{"normale", "esci", "stop", "basta", "fine", "termina", "chiudi", "exit", "quit"}
)

func isInterpreterExit(u types.Utterance) bool {
	if u.Contains(interpreterExitPhrases...) {
		return true
	}
	return u.WordCount() <= 3 && u.HasWord(interpreterExitWords...)
}

// interpreterSession keeps translating every utterance until an exit phrase.
type interpreterSession struct {
	target language
}

func (s *interpreterSession) Function() types.FunctionName { return "traduttore_realtime" }
func (s *interpreterSession) Describe() string             { return "la modalità interprete" }

func (s *interpreterSession) Continue(u types.Utterance) (types.FunctionCall, bool) {
	if u.Empty() {
		return types.FunctionCall{}, false
	}
	if isInterpreterExit(u) {
		return types.Call("traduttore_realtime", "modalita", "stop"), true
	}
	return types.Call("traduttore_realtime", "modalita", "traduci", "testo", u.Raw, "lingua_destinazione", s.target.Name), true
}

func (e *env) translatorFunctions() []skills.RegisteredFunction {
	return []skills.RegisteredFunction{
		{
			Name: "traduttore_realtime",
			Description: "Modalità interprete: traduzione continua tra l'italiano e un'altra lingua finché l'utente dice normale o stop. " +
				"Usare per: modalità interprete in inglese, traduci in tempo reale, aiutami a comunicare in cinese.",
			Params: map[string]skills.Param{
				"modalita":            {Type: skills.TypeString, Description: "avvia, stop o traduci", Enum: []string{"avvia", "stop", "traduci"}},
				"lingua_destinazione": {Type: skills.TypeString, Description: "Lingua dell'interlocutore, es. inglese"},
				"testo":               {Type: skills.TypeString, Description: "Frase da tradurre"},
			},
			Handler: skills.HandlerFunc(e.interpreter),
		},
		{
			Name:        "traduttore",
			Description: "Traduce una singola frase in un'altra lingua. Usare per: come si dice grazie in inglese, traduci buongiorno in francese.",
			Params: map[string]skills.Param{
				"testo":  {Type: skills.TypeString, Required: true, Description: "Testo da tradurre", Ask: "Cosa vuoi tradurre?"},
				"lingua": {Type: skills.TypeString, Description: "Lingua di destinazione, default inglese"},
			},
			Handler: skills.HandlerFunc(e.translate),
		},
	}
}

func (e *env) interpreter(_ context.Context, dc *dialogue.Context, args types.Args) (skills.Outcome, error) {
	active, _ := dc.Session().(*interpreterSession)

	switch args.String("modalita") {
	case "stop":
		if active == nil {
			return skills.Say("La modalità interprete non era attiva."), nil
		}
		dc.EndSession()
		return skills.Respond("🔇 Modalità interprete disattivata",
			"Modalità interprete disattivata. Tornato alla conversazione normale."), nil

	case "traduci":
		target, ok := findLanguage(args.String("lingua_destinazione"))
		if !ok && active != nil {
			target, ok = active.target, true
		}
		text := args.String("testo")
		if !ok || text == "" {
			return skills.Say("Non ho sentito cosa tradurre. Ripeti pure."), nil
		}
		if src, detected := detectScript(text); detected && src.Code == target.Code {
			return skills.RequestModelPhrasing(translationSeed(text, "italiano")), nil
		}
		return skills.RequestModelPhrasing(translationSeed(text, target.Name)), nil
	}

	target, ok := findLanguage(args.String("lingua_destinazione"))
	if !ok {
		names := make([]string, 0, len(languages))
		for _, l := range languages {
			names = append(names, l.Flag+" "+l.Name)
		}
		return skills.Respond(
			"🌍 Modalità interprete\nLingue: "+strings.Join(names, ", ")+"\nDì 'modalità interprete in [lingua]'.",
			"In quale lingua vuoi che faccia da interprete? Posso tradurre in inglese, francese, spagnolo, tedesco, cinese e molte altre.",
		), nil
	}
	dc.SetSession(&interpreterSession{target: target})
	e.logger.Info("interpreter mode started", "device", dc.DeviceID, "language", target.Code)
	return skills.Respond(
		fmt.Sprintf("🎙️ Modalità interprete attiva\n🇮🇹 Italiano ↔ %s %s\nDì 'normale' o 'stop' per terminare.", target.Flag, target.Native),
		fmt.Sprintf("Modalità interprete attivata! Italiano e %s. Parla pure, traduco tutto. Dì normale o stop quando hai finito.", target.Name),
	), nil
}

func translationSeed(text, lang string) string {
	return fmt.Sprintf("Traduci in %s il testo seguente. Rispondi soltanto con la traduzione, senza commenti: «%s»", lang, text)
}

func (e *env) translate(_ context.Context, _ *dialogue.Context, args types.Args) (skills.Outcome, error) {
	target := "inglese"
	if l, ok := findLanguage(args.String("lingua")); ok {
		target = l.Name
	}
	return skills.RequestModelPhrasing(translationSeed(args.String("testo"), target)), nil
}
