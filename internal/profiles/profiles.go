// Package profiles defines device profiles: named subsets of the function
// registry. Both classifier stages consult the device's active profile to
// decide which functions are eligible.
package profiles

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clawinfra/parlo/internal/types"
)

// DefaultProfile is used for devices without a stored choice and for unknown names.
const DefaultProfile = "generale"

// Profile is a named function subset.
type Profile struct {
	Name        string               `json:"name" toml:"-"`
	Title       string               `json:"title" toml:"nome"`
	Description string               `json:"description" toml:"descrizione"`
	Icon        string               `json:"icon" toml:"icona"`
	Functions   []types.FunctionName `json:"functions" toml:"functions"`
}

// Alias maps a spoken word to a profile name.
type Alias struct {
	Word    string
	Profile string
}

// Catalog is the immutable set of profiles plus the always-on core functions.
type Catalog struct {
	core     []types.FunctionName
	profiles map[string]Profile
	aliases  []Alias
	def      string
}

// CoreFunctions are eligible under every profile.
var CoreFunctions = []types.FunctionName{
	types.ExitIntent,
	types.ContinueChat,
	types.ResultForContext,
	"risposta_ai",
	"change_role",
	"personalita_multiple",
	"sommario_funzioni",
	"cambia_profilo",
	"aiuto_profilo",
	"easter_egg_folli",
	"giannino_easter_egg",
	"web_search",
	"meteo_italia",
	"timer_sveglia",
	"calcolatrice",
}

func fns(names ...string) []types.FunctionName {
	out := make([]types.FunctionName, len(names))
	for i, n := range names {
		out[i] = types.FunctionName(n)
	}
	return out
}

// BuiltinProfiles returns the stock profile definitions.
func BuiltinProfiles() []Profile {
	return []Profile{
		{Name: "generale", Title: "Assistente Generale", Description: "Profilo bilanciato per uso quotidiano", Icon: "🏠",
			Functions: fns("notizie_italia", "curiosita", "accadde_oggi", "convertitore", "promemoria", "note_vocali",
				"lista_spesa", "barzelletta_bambini", "radio_italia", "frase_del_giorno", "ricette", "proverbi_italiani",
				"traduttore", "traduttore_realtime", "quiz_trivia", "oroscopo", "dado", "barzelletta_adulti")},
		{Name: "anziani", Title: "Compagno Anziani", Description: "Interfaccia semplice, funzioni di supporto e compagnia", Icon: "👴",
			Functions: fns("intrattenitore_anziani", "compagno_notturno", "supporto_emotivo", "chiacchierata",
				"promemoria_farmaci", "check_benessere", "ginnastica_dolce", "emergenza_rapida", "numeri_utili",
				"sos_emergenza", "promemoria", "radio_italia", "santo_del_giorno", "proverbi_italiani")},
		{Name: "bambini", Title: "Amico Bambini", Description: "Contenuti adatti ai bambini, educativi e divertenti", Icon: "🧒",
			Functions: fns("storie_bambini", "genera_rime", "venti_domande", "quiz_trivia", "memory_vocale", "impiccato",
				"barzelletta_bambini", "versi_animali", "curiosita", "dado", "convertitore", "traduttore_realtime")},
		{Name: "intrattenimento", Title: "Centro Giochi", Description: "Giochi, quiz, barzellette e divertimento", Icon: "🎮",
			Functions: fns("battaglia_navale", "chi_vuol_essere", "cruciverba_vocale", "venti_domande", "impiccato",
				"memory_vocale", "quiz_trivia", "allenamento_mentale", "barzelletta_adulti", "barzelletta_bambini",
				"osterie_goliardiche", "dado", "oracolo", "karaoke", "radio_italia")},
		{Name: "produttivita", Title: "Assistente Produttivo", Description: "Organizzazione, promemoria, note e gestione tempo", Icon: "📋",
			Functions: fns("timer_sveglia", "promemoria", "agenda_eventi", "briefing_mattutino", "routine_mattutina",
				"note_vocali", "diario_vocale", "lista_spesa", "shopping_vocale", "rubrica_vocale", "leggi_pagina")},
		{Name: "cultura_italiana", Title: "Italia 360°", Description: "Notizie, cultura, cucina e tradizioni italiane", Icon: "🇮🇹",
			Functions: fns("radio_italia", "notizie_italia", "podcast_italia", "ricette", "ricette_ingredienti",
				"guida_ristoranti", "proverbi_italiani", "santo_del_giorno", "accadde_oggi", "osterie_goliardiche",
				"guida_turistica", "oroscopo", "lotto_estrazioni", "frase_del_giorno")},
		{Name: "benessere", Title: "Coach Benessere", Description: "Meditazione, supporto emotivo, salute", Icon: "🧘",
			Functions: fns("meditazione", "suoni_ambiente", "compagno_notturno", "supporto_emotivo", "chiacchierata",
				"complimenti", "diario_umore", "check_benessere", "conta_acqua", "ginnastica_dolce",
				"promemoria_farmaci", "frase_del_giorno", "allenamento_mentale")},
		{Name: "smart_home", Title: "Casa Intelligente", Description: "Controllo domotica, sensori, automazioni", Icon: "🏡",
			Functions: fns("domotica", "stato_casa", "hass_get_state", "hass_set_state", "leggi_sensore",
				"storico_sensore", "imposta_allarme_sensore", "briefing_mattutino", "routine_mattutina")},
		{Name: "interprete", Title: "Interprete Multilingue", Description: "Modalità traduzione real-time, minime distrazioni", Icon: "🌍",
			Functions: fns("traduttore_realtime", "traduttore", "convertitore", "numeri_utili", "guida_turistica", "guida_ristoranti")},
		{Name: "cucina", Title: "Chef Virtuale", Description: "Ricette, timer cottura, lista spesa", Icon: "👨‍🍳",
			Functions: fns("ricette", "ricette_ingredienti", "cooking_companion", "lista_spesa", "shopping_vocale",
				"timer_sveglia", "convertitore", "calcolatrice", "guida_ristoranti", "curiosita")},
		{Name: "notte", Title: "Compagno Notturno", Description: "Funzioni rilassanti per la notte, voce soft", Icon: "🌙",
			Functions: fns("compagno_notturno", "meditazione", "suoni_ambiente", "storie_bambini", "supporto_emotivo",
				"chiacchierata", "timer_sveglia", "emergenza_rapida")},
	}
}

// BuiltinAliases are the spoken names accepted for each profile.
func BuiltinAliases() []Alias {
	table := map[string][]string{
		"generale":         {"generale", "normale", "standard", "base", "default"},
		"anziani":          {"anziani", "anziano", "nonno", "nonna", "senior", "compagnia"},
		"bambini":          {"bambini", "bambino", "kids", "bimbi", "bimbo", "piccoli"},
		"intrattenimento":  {"intrattenimento", "giochi", "gioco", "divertimento", "gaming", "svago"},
		"produttivita":     {"produttivita", "lavoro", "ufficio", "organizzazione", "business"},
		"cultura_italiana": {"cultura_italiana", "cultura italiana", "cultura", "italia", "italiano"},
		"benessere":        {"benessere", "relax", "salute", "meditazione", "wellness"},
		"smart_home":       {"smart_home", "smart home", "domotica", "casa", "iot", "automazione"},
		"interprete":       {"interprete", "traduttore", "traduzione", "lingue"},
		"cucina":           {"cucina", "chef", "ricette", "cuoco"},
		"notte":            {"notte", "notturno", "dormire", "sonno", "buonanotte"},
	}
	var aliases []Alias
	for profile, words := range table {
		for _, w := range words {
			aliases = append(aliases, Alias{Word: w, Profile: profile})
		}
	}
	return aliases
}

// NewCatalog builds a catalog. def must name one of profiles.
func NewCatalog(core []types.FunctionName, profiles []Profile, aliases []Alias, def string) (*Catalog, error) {
	c := &Catalog{
		core:     append([]types.FunctionName(nil), core...),
		profiles: make(map[string]Profile, len(profiles)),
		def:      def,
	}
	for _, p := range profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile without name")
		}
		if _, dup := c.profiles[p.Name]; dup {
			return nil, fmt.Errorf("profile %q defined twice", p.Name)
		}
		c.profiles[p.Name] = p
	}
	if _, ok := c.profiles[def]; !ok {
		return nil, fmt.Errorf("default profile %q is not defined", def)
	}
	for _, a := range aliases {
		if _, ok := c.profiles[a.Profile]; !ok {
			return nil, fmt.Errorf("alias %q points to unknown profile %q", a.Word, a.Profile)
		}
		c.aliases = append(c.aliases, Alias{Word: types.Fold(a.Word), Profile: a.Profile})
	}
	// Longer aliases first so substring matching prefers "cultura italiana" over "italia".
	sort.SliceStable(c.aliases, func(i, j int) bool {
		if len(c.aliases[i].Word) != len(c.aliases[j].Word) {
			return len(c.aliases[i].Word) > len(c.aliases[j].Word)
		}
		return c.aliases[i].Word < c.aliases[j].Word
	})
	return c, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(CoreFunctions, BuiltinProfiles(), BuiltinAliases(), DefaultProfile)
	if err != nil {
		panic(err)
	}
	return c
}

// Default returns the default profile name.
func (c *Catalog) Default() string { return c.def }

// Normalize maps unknown names to the default profile.
func (c *Catalog) Normalize(name string) string {
	if _, ok := c.profiles[name]; ok {
		return name
	}
	return c.def
}

// Get returns the named profile.
func (c *Catalog) Get(name string) (Profile, bool) {
	p, ok := c.profiles[name]
	return p, ok
}

// List returns all profiles sorted by name.
func (c *Catalog) List() []Profile {
	out := make([]Profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Functions returns core functions followed by the profile's own, without
// duplicates. Unknown profiles resolve to the default.
func (c *Catalog) Functions(profile string) []types.FunctionName {
	p := c.profiles[c.Normalize(profile)]
	seen := make(map[types.FunctionName]bool, len(c.core)+len(p.Functions))
	out := make([]types.FunctionName, 0, len(c.core)+len(p.Functions))
	for _, list := range [][]types.FunctionName{c.core, p.Functions} {
		for _, fn := range list {
			if !seen[fn] {
				seen[fn] = true
				out = append(out, fn)
			}
		}
	}
	return out
}

// Allows reports whether fn is eligible under profile.
func (c *Catalog) Allows(profile string, fn types.FunctionName) bool {
	for _, name := range c.Functions(profile) {
		if name == fn {
			return true
		}
	}
	return false
}

// Unreached returns the names in fns that no profile makes eligible, in
// input order. Such functions are registered but can never be classified.
func (c *Catalog) Unreached(fns []types.FunctionName) []types.FunctionName {
	reached := make(map[types.FunctionName]bool)
	for _, fn := range c.core {
		reached[fn] = true
	}
	for _, p := range c.profiles {
		for _, fn := range p.Functions {
			reached[fn] = true
		}
	}
	var out []types.FunctionName
	for _, fn := range fns {
		if !reached[fn] {
			out = append(out, fn)
		}
	}
	return out
}

// Resolve finds the profile named in text: exact alias first, then the
// longest alias contained in text.
func (c *Catalog) Resolve(text string) (string, bool) {
	folded := strings.ReplaceAll(types.Fold(text), "_", " ")
	if folded == "" {
		return "", false
	}
	for _, a := range c.aliases {
		if strings.ReplaceAll(a.Word, "_", " ") == folded {
			return a.Profile, true
		}
	}
	for _, a := range c.aliases {
		if strings.Contains(folded, strings.ReplaceAll(a.Word, "_", " ")) {
			return a.Profile, true
		}
	}
	return "", false
}
