package functions

import (
	"context"
	"fmt"
	"strings"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

func (e *env) systemFunctions() []skills.RegisteredFunction {
	return []skills.RegisteredFunction{
		{
			Name:        types.ExitIntent,
			Description: "Ferma tutto quello che è in corso (radio, timer, giochi, modalità interprete). Usare per: stop, basta, ferma, esci, zitto.",
			Capability:  skills.CapSystemControl,
			Handler:     skills.HandlerFunc(e.exitIntent),
		},
		{
			Name:        types.ContinueChat,
			Description: "Conversazione libera: saluti, domande generiche, chiacchiere senza una funzione specifica.",
			Handler:     skills.HandlerFunc(e.continueChat),
		},
		{
			Name:        types.ResultForContext,
			Description: "Risponde a domande sull'ora, la data o il giorno della settimana.",
			Handler:     skills.HandlerFunc(e.resultForContext),
		},
		{
			Name:        "sommario_funzioni",
			Description: "Elenca le funzioni disponibili nel profilo attivo. Usare per: cosa sai fare, aiuto, quali funzioni hai.",
			Handler:     skills.HandlerFunc(e.functionSummary),
		},
		{
			Name:        "aiuto_profilo",
			Description: "Spiega il profilo attivo e cosa permette di fare.",
			Handler:     skills.HandlerFunc(e.profileHelp),
		},
	}
}

func (e *env) exitIntent(_ context.Context, dc *dialogue.Context, _ types.Args) (skills.Outcome, error) {
	stopped := dc.Interrupt()
	if len(stopped) == 0 {
		return skills.Say("OK, sono qui. Come posso aiutarti?"), nil
	}
	return skills.Say(fmt.Sprintf("Ho fermato: %s. Sono qui se hai bisogno.", joinItalian(stopped))), nil
}

func (e *env) continueChat(ctx context.Context, _ *dialogue.Context, args types.Args) (skills.Outcome, error) {
	text := dialogue.UtteranceFrom(ctx)
	if text == "" {
		text = args.String("text")
	}
	if strings.TrimSpace(text) == "" {
		return skills.Say("Dimmi pure, ti ascolto."), nil
	}
	return skills.RequestModelPhrasing(text), nil
}

func (e *env) resultForContext(ctx context.Context, _ *dialogue.Context, _ types.Args) (skills.Outcome, error) {
	now := e.Now()
	seed := fmt.Sprintf("Oggi è %s e sono le %s.", italianDate(now), italianClock(now))
	if q := dialogue.UtteranceFrom(ctx); q != "" {
		seed += " Usa queste informazioni per rispondere brevemente alla domanda: " + q
	} else {
		seed += " Comunica all'utente la data e l'ora."
	}
	return skills.RequestModelPhrasing(seed), nil
}

// eligible lists the registered functions the profile allows, skipping the
// always-on system entries.
func (e *env) eligible(profile string) []*skills.RegisteredFunction {
	catalog := e.Profiles.Catalog()
	var out []*skills.RegisteredFunction
	for _, fn := range e.Registry.Functions() {
		switch fn.Name {
		case types.ExitIntent, types.ContinueChat, types.ResultForContext:
			continue
		}
		if catalog.Allows(profile, fn.Name) {
			out = append(out, fn)
		}
	}
	return out
}

func humanName(name types.FunctionName) string {
	return strings.ReplaceAll(string(name), "_", " ")
}

func firstSentence(s string) string {
	if i := strings.IndexAny(s, ".:"); i > 0 {
		return s[:i]
	}
	return s
}

func (e *env) functionSummary(_ context.Context, dc *dialogue.Context, _ types.Args) (skills.Outcome, error) {
	profile := dc.Profile()
	fns := e.eligible(profile)
	if len(fns) == 0 {
		return skills.Say("In questo profilo posso solo chiacchierare con te."), nil
	}

	var display strings.Builder
	fmt.Fprintf(&display, "Funzioni disponibili (profilo %s):\n", profile)
	names := make([]string, 0, len(fns))
	for _, fn := range fns {
		fmt.Fprintf(&display, "- %s: %s\n", humanName(fn.Name), firstSentence(fn.Description))
		names = append(names, humanName(fn.Name))
	}
	spoken := fmt.Sprintf("Nel profilo %s posso aiutarti con %d funzioni: %s. Chiedimi pure!",
		profile, len(names), joinItalian(names))
	return skills.Respond(strings.TrimRight(display.String(), "\n"), spoken), nil
}

func (e *env) profileHelp(_ context.Context, dc *dialogue.Context, _ types.Args) (skills.Outcome, error) {
	p, ok := e.Profiles.Catalog().Get(dc.Profile())
	if !ok {
		return skills.Say("Non ho trovato il profilo attivo."), nil
	}
	fns := e.eligible(p.Name)
	names := make([]string, 0, len(fns))
	for _, fn := range fns {
		names = append(names, humanName(fn.Name))
	}
	display := fmt.Sprintf("%s %s\n%s\nFunzioni: %s", p.Icon, p.Title, p.Description, strings.Join(names, ", "))
	spoken := fmt.Sprintf("Sei nel profilo %s. %s. Per cambiare profilo dimmi, per esempio, attiva il profilo cucina.",
		p.Title, p.Description)
	return skills.Respond(display, spoken), nil
}
