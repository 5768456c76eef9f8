package router

import (
	"strings"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/profiles"
	"github.com/clawinfra/parlo/internal/types"
)

// View is the part of the dialogue context classification may read.
type View struct {
	Session  dialogue.Session
	Eligible func(types.FunctionName) bool
}

func (v View) eligible(fn types.FunctionName) bool {
	return v.Eligible == nil || v.Eligible(fn)
}

// Rule is one entry of the fast-path table: a matcher plus the extractor that
// builds the function call. Rules are tried in table order and the first
// rule whose target is eligible and whose Apply succeeds wins.
type Rule struct {
	Name string
	// Target is the function the rule resolves to; rules are skipped when the
	// device profile does not allow it. Empty for rules whose target depends
	// on context (session continuation).
	Target types.FunctionName
	// Unconditional rules skip the eligibility check.
	Unconditional bool
	Apply         func(u types.Utterance, v View) (types.FunctionCall, bool)
}

// keywordRule matches when any keyword occurs and no exclusion does.
type keywordRule struct {
	name     string
	target   types.FunctionName
	keywords []string
	requires []string
	excludes []string
	build    func(u types.Utterance) types.FunctionCall
}

func (k keywordRule) rule() Rule {
	return Rule{
		Name:   k.name,
		Target: k.target,
		Apply: func(u types.Utterance, _ View) (types.FunctionCall, bool) {
			if !u.Contains(k.keywords...) {
				return types.FunctionCall{}, false
			}
			if len(k.requires) > 0 && !u.Contains(k.requires...) {
				return types.FunctionCall{}, false
			}
			if len(k.excludes) > 0 && u.Contains(k.excludes...) {
				return types.FunctionCall{}, false
			}
			if k.build == nil {
				return types.Call(k.target), true
			}
			return k.build(u), true
		},
	}
}

// InterruptRule always wins for short stop/cancel utterances, whatever
// session or background task is active.
func InterruptRule(maxWords int, words []string) Rule {
	return Rule{
		Name:          "global-interrupt",
		Target:        types.ExitIntent,
		Unconditional: true,
		Apply: func(u types.Utterance, _ View) (types.FunctionCall, bool) {
			if u.Empty() || u.WordCount() > maxWords || !u.HasWord(words...) {
				return types.FunctionCall{}, false
			}
			return types.Call(types.ExitIntent), true
		},
	}
}

// SessionRule routes continuation utterances to the active skill session.
func SessionRule() Rule {
	return Rule{
		Name:          "session-continuation",
		Unconditional: true,
		Apply: func(u types.Utterance, v View) (types.FunctionCall, bool) {
			if v.Session == nil {
				return types.FunctionCall{}, false
			}
			return v.Session.Continue(u)
		},
	}
}

// Keyword vocabularies shared between rules and exclusions.
var (
	interpreterKeywords = []string{"interprete", "traduzione simultanea", "traduttore simultaneo", "traduci in tempo reale", "traduzione in tempo reale", "aiutami a comunicare"}
	// The profile switch must never claim interpreter/translator phrasing even
	// though it also says "modalita".
	profileExclusions = []string{"interprete", "traduttore", "traduzione", "traduci"}
	jokeKeywords      = []string{"barzelletta", "barzellette", "battuta", "raccontami una", "fammi ridere"}
	storyWords        = []string{"storia", "favola", "fiaba"}
)

// DefaultRules returns the fast-path table, most specific first, with the
// generic greeting rule last. catalog resolves spoken profile names.
func DefaultRules(cfg Config, catalog *profiles.Catalog) []Rule {
	cfg = cfg.withDefaults()
	rules := []Rule{
		InterruptRule(cfg.InterruptMaxWords, cfg.InterruptWords),
		SessionRule(),
	}
	for _, k := range keywordRules(catalog) {
		rules = append(rules, k.rule())
	}
	return append(rules, greetingRule())
}

func keywordRules(catalog *profiles.Catalog) []keywordRule {
	return []keywordRule{
		{
			name:     "radio-list",
			target:   "radio_italia",
			keywords: []string{"elenco radio", "lista radio", "quali radio", "elenco delle radio", "che radio"},
			build:    func(types.Utterance) types.FunctionCall { return types.Call("radio_italia", "action", "list") },
		},
		{
			name:   "radio",
			target: "radio_italia",
			keywords: []string{
				"sintonizza", "metti radio", "ascolta radio", "accendi radio", "metti la radio", "accendi la radio",
				"spegni radio", "spegni la radio", "stop radio", "ferma la radio", "chiudi radio", "chiudi la radio",
				"radio deejay", "radio zeta", "radio capital", "radio m2o", "radio italia", "rai radio", "radio 105",
				"virgin radio", "radio kiss", "radio rtl", "rtl 102",
			},
			build: buildRadio,
		},
		{
			name:     "interpreter-mode",
			target:   "traduttore_realtime",
			keywords: interpreterKeywords,
			build:    buildInterpreter,
		},
		{
			name:     "time-date",
			target:   types.ResultForContext,
			keywords: []string{"che ore sono", "che ora e", "che giorno e", "che data e", "quanti ne abbiamo", "in che anno siamo"},
		},
		{
			name:     "profile-switch",
			target:   "cambia_profilo",
			keywords: []string{"profilo", "profili", "attiva modalita", "cambia modalita", "imposta modalita", "passa alla modalita", "modalita bambini", "modalita notte"},
			excludes: profileExclusions,
			build:    func(u types.Utterance) types.FunctionCall { return buildProfile(u, catalog) },
		},
		{
			name:     "weather",
			target:   "meteo_italia",
			keywords: []string{"che tempo fa", "meteo", "previsioni del tempo", "piove", "temperatura", "come sara il tempo", "fa freddo", "fa caldo"},
			build:    buildWeather,
		},
		{
			name:     "joke-adults",
			target:   "barzelletta_adulti",
			keywords: jokeKeywords,
			requires: []string{"adulti", "spinta", "sconce", "per grandi"},
			excludes: storyWords,
		},
		{
			name:     "joke-children",
			target:   "barzelletta_bambini",
			keywords: jokeKeywords,
			excludes: storyWords,
		},
		{
			name:     "timer",
			target:   "timer_sveglia",
			keywords: []string{"timer", "sveglia", "svegliami", "countdown", "conto alla rovescia"},
			build:    buildTimer,
		},
		{
			name:     "reminder",
			target:   "promemoria",
			keywords: []string{"ricordami", "promemoria", "ricorda di", "non dimenticare", "non farmi dimenticare"},
			build:    buildReminder,
		},
		{
			name:     "calculator",
			target:   "calcolatrice",
			keywords: []string{"quanto fa", "calcola", "somma", "moltiplica", "dividi", "percentuale", "radice quadrata"},
			build: func(u types.Utterance) types.FunctionCall {
				return types.Call("calcolatrice", "expression", afterTrigger(u.Text, "quanto fa", "calcola"))
			},
		},
		{
			name:     "horoscope",
			target:   "oroscopo",
			keywords: []string{"oroscopo", "segno zodiacale", "che segno"},
			build: func(u types.Utterance) types.FunctionCall {
				if sign := extractSign(u.Text); sign != "" {
					return types.Call("oroscopo", "segno", sign)
				}
				return types.Call("oroscopo")
			},
		},
		{
			name:     "recipe",
			target:   "ricette",
			keywords: []string{"ricetta", "come si fa", "come si cucina", "come si prepara", "ingredienti", "prepara"},
			build: func(u types.Utterance) types.FunctionCall {
				q := stripArticles(afterTrigger(u.Text, "ricetta di", "ricetta della", "ricetta del", "ricetta per", "ricetta", "come si fa", "come si cucina", "come si prepara", "ingredienti per", "prepara"))
				return types.Call("ricette", "query", strings.TrimRight(q, "?!. "))
			},
		},
		{
			name:     "quiz",
			target:   "quiz_trivia",
			keywords: []string{"quiz", "trivia", "domanda cultura", "gioco domande", "indovinello"},
			build: func(u types.Utterance) types.FunctionCall {
				if c := extractQuizCategory(u.Text); c != "" {
					return types.Call("quiz_trivia", "action", "start", "category", c)
				}
				return types.Call("quiz_trivia", "action", "start")
			},
		},
		{
			name:     "proverb",
			target:   "proverbi_italiani",
			keywords: []string{"proverbio", "detto popolare", "saggezza popolare", "modi di dire"},
		},
		{
			name:     "curiosity",
			target:   "curiosita",
			keywords: []string{"curiosita", "lo sapevi", "fatto interessante", "dimmi qualcosa di interessante"},
		},
		{
			name:     "quote",
			target:   "frase_del_giorno",
			keywords: []string{"frase del giorno", "citazione", "frase motivazionale", "ispirami"},
		},
		{
			name:     "translate",
			target:   "traduttore",
			keywords: []string{"traduci", "traduzione", "come si dice", "in inglese", "in francese", "in spagnolo", "in tedesco"},
			build:    buildTranslate,
		},
		{
			name:     "shopping-list",
			target:   "lista_spesa",
			keywords: []string{"lista spesa", "lista della spesa", "alla spesa", "alla lista", "nella lista", "cosa devo comprare"},
			build:    buildShopping,
		},
		{
			name:     "dice",
			target:   "dado",
			keywords: []string{"lancia dado", "tira dado", "lancia un dado", "tira un dado", "lancia il dado", "tira il dado", "testa o croce", "lancio moneta", "lancia una moneta", "d6", "d20"},
			build: func(u types.Utterance) types.FunctionCall {
				if u.Contains("testa o croce", "moneta") {
					return types.Call("dado", "tipo", "moneta")
				}
				if n, ok := extractDiceFaces(u.Text); ok {
					return types.Call("dado", "tipo", "dado", "facce", n)
				}
				return types.Call("dado", "tipo", "dado")
			},
		},
		{
			name:     "function-summary",
			target:   "sommario_funzioni",
			keywords: []string{"cosa sai fare", "quali funzioni", "aiuto", "help", "cosa puoi fare", "funzionalita"},
		},
	}
}

var greetingWords = []string{"ciao", "salve", "grazie", "buongiorno", "buonasera", "hey", "ehi", "ehila", "arrivederci"}

// greetingRule is the generic last rule: short courtesies go straight to chat.
func greetingRule() Rule {
	return Rule{
		Name:   "greeting",
		Target: types.ContinueChat,
		Apply: func(u types.Utterance, _ View) (types.FunctionCall, bool) {
			if u.WordCount() > 4 {
				return types.FunctionCall{}, false
			}
			if u.HasWord(greetingWords...) || u.Contains("come stai", "come va") {
				return types.Call(types.ContinueChat), true
			}
			return types.FunctionCall{}, false
		},
	}
}

func buildRadio(u types.Utterance) types.FunctionCall {
	if u.Contains("spegni", "ferma", "stop", "chiudi") {
		return types.Call("radio_italia", "action", "stop")
	}
	station := stripArticles(extractStation(u.Text))
	if station == "" {
		return types.Call("radio_italia", "action", "play")
	}
	return types.Call("radio_italia", "action", "play", "station", station)
}

func buildInterpreter(u types.Utterance) types.FunctionCall {
	if u.Contains("disattiva", "spegni", "termina", "chiudi") {
		return types.Call("traduttore_realtime", "modalita", "stop")
	}
	if lang := extractLanguage(u.Text); lang != "" && lang != "italiano" {
		return types.Call("traduttore_realtime", "modalita", "avvia", "lingua_destinazione", lang)
	}
	return types.Call("traduttore_realtime", "modalita", "avvia")
}

func buildProfile(u types.Utterance, catalog *profiles.Catalog) types.FunctionCall {
	switch {
	case u.Contains("quali profili", "elenco profili", "lista profili", "lista dei profili", "profili disponibili"):
		return types.Call("cambia_profilo", "azione", "lista")
	case u.Contains("quale profilo", "che profilo", "profilo attuale", "profilo attivo"):
		return types.Call("cambia_profilo", "azione", "stato")
	}
	if catalog != nil {
		rest := afterTrigger(u.Text, "profilo", "modalita")
		if name, ok := catalog.Resolve(rest); ok {
			return types.Call("cambia_profilo", "azione", "cambia", "profilo", name)
		}
	}
	return types.Call("cambia_profilo", "azione", "stato")
}

func buildWeather(u types.Utterance) types.FunctionCall {
	if city := extractCity(u.Text); city != "" {
		return types.Call("meteo_italia", "city", city)
	}
	return types.Call("meteo_italia")
}

func buildTimer(u types.Utterance) types.FunctionCall {
	switch {
	case u.Contains("cancella", "annulla", "togli", "elimina", "spegni"):
		return types.Call("timer_sveglia", "action", "cancel")
	case u.Contains("quali timer", "elenco timer", "timer attivi", "quanto manca", "lista timer"):
		return types.Call("timer_sveglia", "action", "list")
	}
	if secs, ok := extractSeconds(u.Text); ok {
		if mins, ok := extractMinutes(u.Text); ok {
			return types.Call("timer_sveglia", "action", "set", "minutes", mins, "seconds", secs)
		}
		return types.Call("timer_sveglia", "action", "set", "minutes", 0, "seconds", secs)
	}
	minutes, ok := extractMinutes(u.Text)
	if !ok {
		minutes = 5
	}
	return types.Call("timer_sveglia", "action", "set", "minutes", minutes)
}

func buildReminder(u types.Utterance) types.FunctionCall {
	switch {
	case u.Contains("quali promemoria", "elenco promemoria", "lista promemoria", "miei promemoria", "i promemoria"):
		return types.Call("promemoria", "action", "list")
	case u.Contains("cancella", "elimina", "annulla", "togli"):
		if n, ok := extractIndex(u.Text); ok {
			return types.Call("promemoria", "action", "cancel", "index", n)
		}
		return types.Call("promemoria", "action", "cancel")
	}
	text := afterTrigger(u.Text, "ricordami di", "ricordami che", "ricordami", "ricorda di", "non dimenticare di", "non farmi dimenticare di", "promemoria per", "promemoria")
	return types.Call("promemoria", "action", "add", "text", text)
}

func buildTranslate(u types.Utterance) types.FunctionCall {
	if m := translateRe.FindStringSubmatch(u.Text); m != nil {
		if lang, ok := languageNames[m[2]]; ok {
			return types.Call("traduttore", "testo", strings.Trim(m[1], "\"' "), "lingua", lang)
		}
	}
	if lang := extractLanguage(u.Text); lang != "" {
		return types.Call("traduttore", "testo", u.Raw, "lingua", lang)
	}
	return types.Call("traduttore", "testo", u.Raw)
}

func buildShopping(u types.Utterance) types.FunctionCall {
	switch {
	case u.Contains("svuota", "azzera", "cancella la lista", "cancella tutto"):
		return types.Call("lista_spesa", "action", "clear")
	case u.Contains("aggiungi", "metti", "inserisci"):
		if m := shopAddRe.FindStringSubmatch(u.Text); m != nil {
			return types.Call("lista_spesa", "action", "add", "item", stripArticles(m[1]))
		}
		item := afterTrigger(u.Text, "aggiungi", "metti", "inserisci")
		return types.Call("lista_spesa", "action", "add", "item", stripArticles(item))
	}
	return types.Call("lista_spesa", "action", "list")
}
