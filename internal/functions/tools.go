package functions

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/store"
	"github.com/clawinfra/parlo/internal/types"
)

const shoppingDoc = "lista_spesa"

func (e *env) toolFunctions() []skills.RegisteredFunction {
	return []skills.RegisteredFunction{
		{
			Name:        "calcolatrice",
			Description: "Calcoli aritmetici a voce: somme, sottrazioni, moltiplicazioni, divisioni, percentuali, potenze e radici. Usare per: quanto fa 15 per 4, il 20 per cento di 80.",
			Params: map[string]skills.Param{
				"expression": {Type: skills.TypeString, Required: true, Description: "Espressione da calcolare", Ask: "Cosa vuoi che calcoli?"},
			},
			Handler: skills.HandlerFunc(e.calculator),
		},
		{
			Name:        "dado",
			Description: "Lancia uno o più dadi o una moneta. Usare per: lancia un dado, testa o croce, tira due dadi da 20.",
			Params: map[string]skills.Param{
				"tipo":     {Type: skills.TypeString, Description: "dado o moneta", Enum: []string{"dado", "moneta"}},
				"facce":    {Type: skills.TypeInteger, Description: "Numero di facce, default 6"},
				"quantita": {Type: skills.TypeInteger, Description: "Quanti dadi, default 1"},
			},
			Handler: skills.HandlerFunc(e.dice),
		},
		{
			Name:        "lista_spesa",
			Description: "Gestisce la lista della spesa: aggiungere, togliere, leggere o svuotare. Usare per: aggiungi il latte alla lista, cosa devo comprare.",
			Params: map[string]skills.Param{
				"action":   {Type: skills.TypeString, Description: "add, remove, list o clear", Enum: []string{"add", "remove", "list", "clear"}},
				"item":     {Type: skills.TypeString, Description: "Articolo, anche più di uno: latte e pane"},
				"quantity": {Type: skills.TypeString, Description: "Quantità, es. 2 litri"},
			},
			Handler: skills.HandlerFunc(e.shopping),
		},
	}
}

var (
	errDivByZero  = errors.New("division by zero")
	errBadExpr    = errors.New("unsupported expression")
	percentOfRe   = regexp.MustCompile(`([\d.]+)\s*%\s*(?:di|del|dello|della)\s*([\d.]+)`)
	percentPlusRe = regexp.MustCompile(`([\d.]+)\s*(\+|-)\s*([\d.]+)\s*%`)
	sqrtRe        = regexp.MustCompile(`radice(?: quadrata)?(?: di)?\s*([\d.]+)`)
	powRe         = regexp.MustCompile(`([\d.]+)\s*(?:\^|elevato alla|elevato a|alla)\s*([\d.]+)`)
	squareRe      = regexp.MustCompile(`([\d.]+)\s*(?:al quadrato)`)
	cubeRe        = regexp.MustCompile(`([\d.]+)\s*(?:al cubo)`)
	thousandsRe   = regexp.MustCompile(`(\d)\.(\d{3})\b`)
)

var numberWords = map[string]string{
	"zero": "0", "uno": "1", "una": "1", "due": "2", "tre": "3", "quattro": "4", "cinque": "5",
	"sei": "6", "sette": "7", "otto": "8", "nove": "9", "dieci": "10", "undici": "11", "dodici": "12",
	"tredici": "13", "quattordici": "14", "quindici": "15", "sedici": "16", "diciassette": "17",
	"diciotto": "18", "diciannove": "19", "venti": "20", "trenta": "30", "quaranta": "40",
	"cinquanta": "50", "cento": "100", "mille": "1000",
}

// normalizeExpression turns spoken Italian arithmetic into an expression
// go/parser accepts, resolving percentages, roots and powers to literals.
func normalizeExpression(s string) (string, error) {
	s = types.Fold(s)
	s = strings.NewReplacer("per cento", "%", "percento", "%").Replace(s)
	s = strings.NewReplacer("×", "*", "÷", "/", "x", "*", ":", "/").Replace(s)
	// 1.000,5 is Italian for 1000.5.
	s = thousandsRe.ReplaceAllString(s, "$1$2")
	s = strings.ReplaceAll(s, ",", ".")

	words := strings.Fields(s)
	for i, w := range words {
		if n, ok := numberWords[w]; ok {
			words[i] = n
		}
	}
	s = " " + strings.Join(words, " ") + " "
	for _, r := range []struct{ from, to string }{
		{" diviso per ", " / "}, {" diviso ", " / "}, {" fratto ", " / "},
		{" moltiplicato per ", " * "}, {" volte ", " * "},
		{" piu ", " + "}, {" meno ", " - "}, {" e ", " + "},
	} {
		s = strings.ReplaceAll(s, r.from, r.to)
	}
	s = strings.TrimSpace(s)

	var err error
	apply := func(re *regexp.Regexp, f func(m []float64) (float64, error)) {
		s = re.ReplaceAllStringFunc(s, func(match string) string {
			sub := re.FindStringSubmatch(match)
			var nums []float64
			for _, g := range sub[1:] {
				if v, perr := strconv.ParseFloat(g, 64); perr == nil {
					nums = append(nums, v)
				} else if g == "+" {
					nums = append(nums, 1)
				} else if g == "-" {
					nums = append(nums, -1)
				}
			}
			v, ferr := f(nums)
			if ferr != nil {
				err = ferr
				return match
			}
			return strconv.FormatFloat(v, 'f', -1, 64)
		})
	}
	apply(percentOfRe, func(n []float64) (float64, error) { return n[0] * n[1] / 100, nil })
	apply(percentPlusRe, func(n []float64) (float64, error) { return n[0] + n[1]*n[0]*n[2]/100, nil })
	apply(sqrtRe, func(n []float64) (float64, error) {
		if n[0] < 0 {
			return 0, errBadExpr
		}
		return math.Sqrt(n[0]), nil
	})
	apply(squareRe, func(n []float64) (float64, error) { return n[0] * n[0], nil })
	apply(cubeRe, func(n []float64) (float64, error) { return n[0] * n[0] * n[0], nil })
	apply(powRe, func(n []float64) (float64, error) { return math.Pow(n[0], n[1]), nil })
	s = strings.ReplaceAll(" "+s+" ", " per ", " * ")
	// Anything left that is not arithmetic is filler such as "quanto fa".
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune("0123456789.+-*/%() ", r) {
			return r
		}
		return -1
	}, s)
	return strings.TrimSpace(s), err
}

// evaluate computes a parsed arithmetic expression. Only number literals,
// parentheses, unary signs and + - * / % are accepted.
func evaluate(expr ast.Expr) (float64, error) {
	switch n := expr.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, errBadExpr
		}
		return strconv.ParseFloat(n.Value, 64)
	case *ast.ParenExpr:
		return evaluate(n.X)
	case *ast.UnaryExpr:
		v, err := evaluate(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.SUB:
			return -v, nil
		case token.ADD:
			return v, nil
		}
	case *ast.BinaryExpr:
		x, err := evaluate(n.X)
		if err != nil {
			return 0, err
		}
		y, err := evaluate(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO, token.REM:
			if y == 0 {
				return 0, errDivByZero
			}
			if n.Op == token.REM {
				return math.Mod(x, y), nil
			}
			return x / y, nil
		}
	}
	return 0, errBadExpr
}

// Calculate evaluates a spoken Italian arithmetic expression.
func Calculate(expression string) (float64, error) {
	norm, err := normalizeExpression(expression)
	if err != nil {
		return 0, err
	}
	expr, err := parser.ParseExpr(norm)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", errBadExpr, norm)
	}
	v, err := evaluate(expr)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errBadExpr
	}
	return v, nil
}

// formatNumber writes whole numbers without decimals and uses the Italian
// decimal comma otherwise.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return strings.Replace(s, ".", ",", 1)
}

func (e *env) calculator(_ context.Context, _ *dialogue.Context, args types.Args) (skills.Outcome, error) {
	expr := args.String("expression")
	v, err := Calculate(expr)
	switch {
	case errors.Is(err, errDivByZero):
		return skills.Say("Non si può dividere per zero!"), nil
	case err != nil:
		e.logger.Debug("calculation failed", "expression", expr, "error", err)
		return skills.Say("Non sono riuscita a fare questo calcolo. Prova a dirmelo in un altro modo, per esempio quanto fa 12 per 7."), nil
	}
	result := formatNumber(v)
	return skills.Respond(fmt.Sprintf("🧮 %s = %s", strings.TrimSpace(expr), result), "Fa "+result+"."), nil
}

func (e *env) dice(_ context.Context, _ *dialogue.Context, args types.Args) (skills.Outcome, error) {
	if args.String("tipo") == "moneta" {
		side := "Testa"
		if e.Rand.IntN(2) == 1 {
			side = "Croce"
		}
		return skills.Respond("🪙 Lancio moneta: "+side+"!", "Lancio la moneta... "+side+"!"), nil
	}
	faces := min(max(args.Int("facce", 6), 2), 100)
	count := min(max(args.Int("quantita", 1), 1), 10)

	rolls := make([]string, count)
	total := 0
	for i := range rolls {
		n := 1 + e.Rand.IntN(faces)
		total += n
		rolls[i] = strconv.Itoa(n)
	}
	if count == 1 {
		return skills.Respond(
			fmt.Sprintf("🎲 Lancio dado (d%d): %s", faces, rolls[0]),
			fmt.Sprintf("Lancio il dado a %d facce... %s!", faces, rolls[0]),
		), nil
	}
	return skills.Respond(
		fmt.Sprintf("🎲 Lancio dadi (%dd%d): %s\nTotale: %d", count, faces, strings.Join(rolls, " · "), total),
		fmt.Sprintf("Lancio %d dadi... %s. Totale: %d!", count, joinItalian(rolls), total),
	), nil
}

type shoppingItem struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
}

func (i shoppingItem) String() string {
	if i.Quantity == "" {
		return i.Name
	}
	return i.Quantity + " " + i.Name
}

type shoppingList struct {
	Items []shoppingItem `json:"items"`
}

var itemSplitRe = regexp.MustCompile(`\s*(?:,|\be\b)\s*`)

func (e *env) shopping(ctx context.Context, dc *dialogue.Context, args types.Args) (skills.Outcome, error) {
	device := dc.DeviceID
	switch args.String("action") {
	case "add":
		return e.addShopping(ctx, device, args.String("item"), args.String("quantity"))
	case "remove":
		return e.removeShopping(ctx, device, args.String("item"))
	case "clear":
		list, err := store.Get[shoppingList](e.Store, shoppingDoc, device)
		if err != nil {
			return skills.Outcome{}, err
		}
		if err := e.Store.Delete(shoppingDoc, device); err != nil {
			return skills.Outcome{}, err
		}
		return skills.Respond(fmt.Sprintf("Lista svuotata (%d articoli rimossi)", len(list.Items)), "Ho svuotato la lista della spesa."), nil
	}

	list, err := store.Get[shoppingList](e.Store, shoppingDoc, device)
	if err != nil {
		return skills.Outcome{}, err
	}
	if len(list.Items) == 0 {
		return skills.Respond("La lista della spesa è vuota", "La tua lista della spesa è vuota. Vuoi aggiungere qualcosa?"), nil
	}
	var display strings.Builder
	fmt.Fprintf(&display, "🛒 Lista della spesa (%d articoli):\n", len(list.Items))
	spoken := make([]string, 0, len(list.Items))
	for i, it := range list.Items {
		fmt.Fprintf(&display, "%d. %s\n", i+1, it)
		spoken = append(spoken, it.String())
	}
	return skills.Respond(strings.TrimRight(display.String(), "\n"), "Nella lista hai: "+joinItalian(spoken)+"."), nil
}

func (e *env) addShopping(ctx context.Context, device, item, quantity string) (skills.Outcome, error) {
	var names []string
	for _, n := range itemSplitRe.Split(strings.TrimSpace(item), -1) {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return skills.Respond("Cosa vuoi aggiungere?", "Cosa devo aggiungere alla lista?"), nil
	}
	if len(names) > 1 {
		quantity = ""
	}

	var added, present []string
	list, err := store.Update(ctx, e.Store, shoppingDoc, device, func(l *shoppingList) error {
		for _, n := range names {
			idx := indexOfItem(l.Items, n)
			switch {
			case idx >= 0 && quantity != "":
				l.Items[idx].Quantity = quantity
				added = append(added, n)
			case idx >= 0:
				present = append(present, n)
			default:
				l.Items = append(l.Items, shoppingItem{Name: n, Quantity: quantity})
				added = append(added, n)
			}
		}
		return nil
	})
	if err != nil {
		return skills.Outcome{}, fmt.Errorf("save shopping list: %w", err)
	}
	if len(added) == 0 {
		return skills.Say(fmt.Sprintf("%s è già nella lista della spesa.", capitalize(joinItalian(present)))), nil
	}
	display := strings.TrimSpace(quantity + " " + joinItalian(added))
	return skills.Respond("✅ Aggiunto: "+display,
		fmt.Sprintf("Ho aggiunto %s alla lista. Ora hai %s.", display, plural(len(list.Items), "articolo", "articoli"))), nil
}

func (e *env) removeShopping(ctx context.Context, device, item string) (skills.Outcome, error) {
	if strings.TrimSpace(item) == "" {
		return skills.Say("Cosa devo togliere dalla lista?"), nil
	}
	var removed string
	list, err := store.Update(ctx, e.Store, shoppingDoc, device, func(l *shoppingList) error {
		if idx := indexOfItem(l.Items, item); idx >= 0 {
			removed = l.Items[idx].Name
			l.Items = append(l.Items[:idx], l.Items[idx+1:]...)
		}
		return nil
	})
	if err != nil {
		return skills.Outcome{}, fmt.Errorf("save shopping list: %w", err)
	}
	if removed == "" {
		return skills.Say(fmt.Sprintf("Non trovo %s nella lista della spesa.", item)), nil
	}
	return skills.Respond("Rimosso: "+removed,
		fmt.Sprintf("Ho tolto %s dalla lista. Rimangono %s.", removed, plural(len(list.Items), "articolo", "articoli"))), nil
}

func indexOfItem(items []shoppingItem, name string) int {
	n := types.Fold(name)
	for i, it := range items {
		f := types.Fold(it.Name)
		if f == n || strings.Contains(f, n) || strings.Contains(n, f) {
			return i
		}
	}
	return -1
}
