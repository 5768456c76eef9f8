package functions

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

func (e *env) phraseFunctions() []skills.RegisteredFunction {
	categories := make([]string, 0, len(e.content.Phrases.Thoughts))
	for c := range e.content.Phrases.Thoughts {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	signs := make([]string, 0, len(e.content.Horoscope.Signs))
	for _, s := range e.content.Horoscope.Signs {
		signs = append(signs, s.Name)
	}

	return []skills.RegisteredFunction{
		{
			Name:        "barzelletta_bambini",
			Description: "Racconta una barzelletta adatta ai bambini. Usare per: raccontami una barzelletta, fammi ridere.",
			Handler:     skills.HandlerFunc(e.joke(e.content.Phrases.JokesChildren, "😄")),
		},
		{
			Name:        "barzelletta_adulti",
			Description: "Racconta una barzelletta per adulti, ironica e un po' piccante. Usare per: barzelletta per adulti, battuta spinta.",
			Handler:     skills.HandlerFunc(e.joke(e.content.Phrases.JokesAdults, "😏")),
		},
		{
			Name:        "proverbi_italiani",
			Description: "Dice un proverbio italiano con il suo significato. Usare per: dimmi un proverbio, un detto popolare.",
			Handler:     skills.HandlerFunc(e.proverb),
		},
		{
			Name:        "curiosita",
			Description: "Racconta una curiosità su animali, corpo umano, Italia, scienza, storia o tecnologia. Usare per: dimmi una curiosità, lo sapevi che.",
			Params: map[string]skills.Param{
				"categoria": {Type: skills.TypeString, Description: "animali, corpo, italia, scienza, storia o tecnologia"},
			},
			Handler: skills.HandlerFunc(e.curiosity),
		},
		{
			Name:        "frase_del_giorno",
			Description: "Una citazione famosa o un pensiero positivo per la giornata. Usare per: frase del giorno, ispirami, una citazione.",
			Params: map[string]skills.Param{
				"tipo": {Type: skills.TypeString, Description: "citazione oppure pensiero: " + strings.Join(categories, ", ")},
			},
			Handler: skills.HandlerFunc(e.quote),
		},
		{
			Name:        "oroscopo",
			Description: "L'oroscopo del giorno per un segno zodiacale: amore, lavoro, salute e fortuna.",
			Params: map[string]skills.Param{
				"segno": {Type: skills.TypeString, Required: true, Description: "Segno zodiacale: " + strings.Join(signs, ", "),
					Ask: "Di quale segno zodiacale vuoi l'oroscopo?"},
			},
			Handler: skills.HandlerFunc(e.horoscope),
		},
	}
}

func (e *env) joke(jokes []string, icon string) skills.HandlerFunc {
	return func(context.Context, *dialogue.Context, types.Args) (skills.Outcome, error) {
		j := e.pick(jokes)
		if j == "" {
			return skills.Say("Oggi non me ne viene in mente nessuna, riprova più tardi!"), nil
		}
		return skills.Respond(icon+" "+j, j), nil
	}
}

func (e *env) proverb(context.Context, *dialogue.Context, types.Args) (skills.Outcome, error) {
	list := e.content.Phrases.Proverbs
	p := list[e.Rand.IntN(len(list))]
	return skills.Respond(
		fmt.Sprintf("📜 «%s»\n%s", p.Text, p.Meaning),
		fmt.Sprintf("Come dice il proverbio: %s. Significa che %s", p.Text, lowerFirst(p.Meaning)),
	), nil
}

func (e *env) curiosity(_ context.Context, _ *dialogue.Context, args types.Args) (skills.Outcome, error) {
	all := e.content.Phrases.Curiosities
	pool := all
	if c := types.Fold(args.String("categoria")); c != "" {
		var filtered []Saying
		for _, s := range all {
			if s.Category == c {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) > 0 {
			pool = filtered
		}
	}
	s := pool[e.Rand.IntN(len(pool))]
	return skills.Respond("🤓 Lo sapevi? "+s.Text, "Lo sapevi? "+s.Text), nil
}

func (e *env) quote(_ context.Context, _ *dialogue.Context, args types.Args) (skills.Outcome, error) {
	kind := types.Fold(args.String("tipo"))
	if thoughts, ok := e.content.Phrases.Thoughts[kind]; ok && len(thoughts) > 0 {
		t := e.pick(thoughts)
		return skills.Respond("💭 "+t, t), nil
	}
	quotes := e.content.Phrases.Quotes
	q := quotes[e.Rand.IntN(len(quotes))]
	return skills.Respond(
		fmt.Sprintf("✨ «%s»\n— %s", q.Text, q.Author),
		fmt.Sprintf("La frase di oggi è di %s: %s", q.Author, q.Text),
	), nil
}

func (e *env) findSign(name string) (Sign, bool) {
	n := types.Fold(name)
	for _, s := range e.content.Horoscope.Signs {
		if n == s.Name || strings.Contains(n, s.Name) {
			return s, true
		}
	}
	return Sign{}, false
}

// horoscope readings are stable for a sign within a day.
func (e *env) horoscope(_ context.Context, _ *dialogue.Context, args types.Args) (skills.Outcome, error) {
	sign, ok := e.findSign(args.String("segno"))
	if !ok {
		return skills.Say(fmt.Sprintf("Non conosco il segno %s. Dimmi per esempio ariete, leone o pesci.", args.String("segno"))), nil
	}
	now := e.Now()
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s", now.Format("2006-01-02"), sign.Name)
	r := rand.New(rand.NewPCG(h.Sum64(), 0x6f726f73636f706f))
	pick := func(items []string) string {
		if len(items) == 0 {
			return ""
		}
		return items[r.IntN(len(items))]
	}

	love, work, health, luck := pick(e.content.Horoscope.Love), pick(e.content.Horoscope.Work),
		pick(e.content.Horoscope.Health), pick(e.content.Horoscope.Luck)
	stars := 2 + r.IntN(4)
	numbers := []int{1 + r.IntN(90), 1 + r.IntN(90), 1 + r.IntN(90)}
	title := capitalize(sign.Name)

	display := fmt.Sprintf("%s %s (%s, segno di %s)\n%s\n\n❤️ Amore: %s\n💼 Lavoro: %s\n🍀 Salute: %s\n⭐ Fortuna: %s\nNumeri fortunati: %d, %d, %d",
		sign.Emoji, title, sign.Dates, sign.Element, italianDate(now), love, work, health, luck, numbers[0], numbers[1], numbers[2])
	spoken := fmt.Sprintf("Oroscopo di oggi per il %s. In amore: %s. Nel lavoro: %s. Salute: %s. Fortuna: %s. Voto della giornata %d stelle su 5. Numeri fortunati: %d, %d e %d.",
		title, love, work, health, luck, stars, numbers[0], numbers[1], numbers[2])
	return skills.Respond(display+fmt.Sprintf("\nGiornata: %s", strings.Repeat("★", stars)), spoken), nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToLower(string(r[:1])) + string(r[1:])
}
