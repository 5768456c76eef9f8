package functions

import (
	"context"
	"fmt"
	"strings"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

// recipeSession walks the user through one recipe step by step.
type recipeSession struct {
	recipe Recipe
	// step is the index of the step last read; -1 before the first.
	step int
}

func (s *recipeSession) Function() types.FunctionName { return "ricette" }
func (s *recipeSession) Describe() string             { return "la ricetta " + s.recipe.Name }

func (s *recipeSession) Continue(u types.Utterance) (types.FunctionCall, bool) {
	switch {
	case u.Contains("ingredienti", "cosa serve", "cosa mi serve"):
		return types.Call("ricette", "action", "ingredienti"), true
	case u.Contains("ripeti", "non ho capito", "come hai detto"):
		return types.Call("ricette", "action", "ripeti"), true
	case u.Contains("indietro", "precedente", "passo prima"):
		return types.Call("ricette", "action", "indietro"), true
	case u.Contains("fine ricetta", "basta ricetta", "chiudi ricetta"):
		return types.Call("ricette", "action", "stop"), true
	case u.Contains("avanti", "prossimo", "continua", "e poi", "fatto", "passo successivo", "vai"),
		u.WordCount() <= 2 && u.HasWord("poi", "ok", "si", "pronto", "pronta"):
		return types.Call("ricette", "action", "avanti"), true
	}
	return types.FunctionCall{}, false
}

func (e *env) recipeFunctions() []skills.RegisteredFunction {
	return []skills.RegisteredFunction{{
		Name: "ricette",
		Description: "Ricette della cucina italiana spiegate passo passo. Usare per: come si fa la carbonara, " +
			"ricetta del tiramisù, cosa cucino stasera. Durante la ricetta: avanti, ripeti, indietro, ingredienti.",
		Params: map[string]skills.Param{
			"query":  {Type: skills.TypeString, Description: "Piatto o ingrediente da cercare"},
			"action": {Type: skills.TypeString, Description: "cerca, avanti, ripeti, indietro, ingredienti o stop", Enum: []string{"cerca", "avanti", "ripeti", "indietro", "ingredienti", "stop"}},
		},
		Handler: skills.HandlerFunc(e.recipe),
	}}
}

func (e *env) recipe(_ context.Context, dc *dialogue.Context, args types.Args) (skills.Outcome, error) {
	action := args.String("action")
	if action == "" || action == "cerca" {
		return e.startRecipe(dc, args.String("query"))
	}

	s, _ := dc.Session().(*recipeSession)
	if s == nil {
		return skills.Say("Non stiamo seguendo nessuna ricetta. Dimmi cosa vuoi cucinare!"), nil
	}
	steps := s.recipe.Steps

	switch action {
	case "ingredienti":
		return skills.Respond(
			fmt.Sprintf("🧾 Ingredienti per %s (%d persone):\n- %s", s.recipe.Name, s.recipe.Servings, strings.Join(s.recipe.Ingredients, "\n- ")),
			fmt.Sprintf("Per %s ti servono: %s.", s.recipe.Name, joinItalian(s.recipe.Ingredients)),
		), nil
	case "stop":
		dc.EndSession()
		return skills.Say("Va bene, chiudo la ricetta. Buon appetito!"), nil
	case "ripeti":
		if s.step < 0 {
			return e.recipeIntro(s), nil
		}
	case "indietro":
		if s.step <= 0 {
			return skills.Say("Siamo già al primo passo. " + stepLine(s.recipe, 0)), nil
		}
		s.step--
	default:
		if s.step+1 >= len(steps) {
			dc.EndSession()
			return skills.Say(fmt.Sprintf("Hai finito! %s è pronto. Buon appetito!", s.recipe.Name)), nil
		}
		s.step++
	}
	line := stepLine(s.recipe, s.step)
	if s.step == len(steps)-1 {
		line += " Questo era l'ultimo passo."
	}
	return skills.Say(line), nil
}

func stepLine(r Recipe, i int) string {
	return fmt.Sprintf("Passo %d di %d: %s", i+1, len(r.Steps), r.Steps[i])
}

func (e *env) startRecipe(dc *dialogue.Context, query string) (skills.Outcome, error) {
	q := types.Fold(query)
	if q == "" {
		names := make([]string, 0, len(e.content.Recipes))
		for _, r := range e.content.Recipes {
			names = append(names, r.Name)
		}
		return skills.Respond(
			"📖 Ricette disponibili:\n- "+strings.Join(names, "\n- "),
			"Conosco queste ricette: "+joinItalian(names)+". Quale vuoi preparare?",
		), nil
	}
	r, ok := e.findRecipe(q)
	if !ok {
		return skills.Say(fmt.Sprintf("Non conosco la ricetta di %s. Prova a chiedermi la carbonara, il pesto o il tiramisù.", query)), nil
	}
	s := &recipeSession{recipe: r, step: -1}
	dc.SetSession(s)
	return e.recipeIntro(s), nil
}

func (e *env) recipeIntro(s *recipeSession) skills.Outcome {
	r := s.recipe
	return skills.Respond(
		fmt.Sprintf("👨‍🍳 %s\n⏱️ %d minuti · %d persone\n\nIngredienti:\n- %s", r.Name, r.Minutes, r.Servings, strings.Join(r.Ingredients, "\n- ")),
		fmt.Sprintf("Prepariamo %s, per %d persone, in circa %d minuti. Ti servono: %s. Quando sei pronto dimmi avanti.",
			r.Name, r.Servings, r.Minutes, joinItalian(r.Ingredients)),
	)
}

// findRecipe matches keywords first, then ingredients.
func (e *env) findRecipe(q string) (Recipe, bool) {
	for _, r := range e.content.Recipes {
		if strings.Contains(q, types.Fold(r.Name)) {
			return r, true
		}
		for _, k := range r.Keywords {
			if strings.Contains(q, types.Fold(k)) {
				return r, true
			}
		}
	}
	for _, r := range e.content.Recipes {
		for _, ing := range r.Ingredients {
			for _, w := range strings.Fields(q) {
				if len(w) > 3 && strings.Contains(types.Fold(ing), w) {
					return r, true
				}
			}
		}
	}
	return Recipe{}, false
}
