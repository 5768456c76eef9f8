package functions

import (
	"context"
	"fmt"
	"strings"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

func (e *env) profileFunctions() []skills.RegisteredFunction {
	return []skills.RegisteredFunction{{
		Name: "cambia_profilo",
		Description: "Cambia il profilo del dispositivo (generale, bambini, anziani, cucina, notte...), " +
			"dice quello attivo o elenca quelli disponibili.",
		Capability: skills.CapChangeProfile,
		Params: map[string]skills.Param{
			"azione":  {Type: skills.TypeString, Description: "cambia, stato o lista", Enum: []string{"cambia", "stato", "lista"}},
			"profilo": {Type: skills.TypeString, Description: "Nome del profilo, es. bambini"},
		},
		Handler: skills.HandlerFunc(e.changeProfile),
	}}
}

func (e *env) changeProfile(ctx context.Context, dc *dialogue.Context, args types.Args) (skills.Outcome, error) {
	catalog := e.Profiles.Catalog()
	action := args.String("azione")
	if action == "" && args.Has("profilo") {
		action = "cambia"
	}

	switch action {
	case "lista":
		var display strings.Builder
		display.WriteString("Profili disponibili:\n")
		titles := make([]string, 0)
		for _, p := range catalog.List() {
			fmt.Fprintf(&display, "%s %s (%s): %s\n", p.Icon, p.Title, p.Name, p.Description)
			titles = append(titles, strings.ReplaceAll(p.Name, "_", " "))
		}
		return skills.Respond(strings.TrimRight(display.String(), "\n"),
			"Ho questi profili: "+joinItalian(titles)+". Quale vuoi attivare?"), nil

	case "cambia":
		name, ok := catalog.Resolve(args.String("profilo"))
		if !ok {
			return skills.Say(fmt.Sprintf("Non conosco il profilo %s. Dimmi quali profili ci sono per sentire l'elenco.", args.String("profilo"))), nil
		}
		p, _ := catalog.Get(name)
		if name == dc.Profile() {
			return skills.Say(fmt.Sprintf("Il profilo %s è già attivo.", p.Title)), nil
		}
		if err := e.Profiles.Set(ctx, dc.DeviceID, name); err != nil {
			return skills.Outcome{}, err
		}
		dc.SetProfile(name)
		// A session from the old profile may own functions no longer eligible.
		dc.EndSession()
		return skills.Respond(
			fmt.Sprintf("%s Profilo attivo: %s\n%s", p.Icon, p.Title, p.Description),
			fmt.Sprintf("Fatto! Ora sono in modalità %s. %s.", p.Title, p.Description),
		), nil

	default:
		p, ok := catalog.Get(dc.Profile())
		if !ok {
			p, _ = catalog.Get(catalog.Default())
		}
		return skills.Respond(
			fmt.Sprintf("%s Profilo attivo: %s\n%s", p.Icon, p.Title, p.Description),
			fmt.Sprintf("Il profilo attivo è %s: %s.", p.Title, p.Description),
		), nil
	}
}
