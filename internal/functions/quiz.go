package functions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

// quizSession is a running quiz. Handlers mutate it; Continue only reads.
type quizSession struct {
	category string
	current  *Question
	asked    map[string]bool
	score    int
	total    int
}

func (s *quizSession) Function() types.FunctionName { return "quiz_trivia" }
func (s *quizSession) Describe() string             { return "il quiz" }

func (s *quizSession) Continue(u types.Utterance) (types.FunctionCall, bool) {
	switch {
	case u.Empty():
		return types.FunctionCall{}, false
	case u.Contains("suggerimento", "aiutino", "indizio"):
		return types.Call("quiz_trivia", "action", "hint"), true
	case u.Contains("punteggio", "quanti punti", "come sto andando"):
		return types.Call("quiz_trivia", "action", "score"), true
	case u.Contains("altra domanda", "prossima domanda", "un'altra", "ancora"):
		return types.Call("quiz_trivia", "action", "start", "category", s.category), true
	case u.Contains("basta quiz", "fine quiz", "smetti", "non voglio piu giocare"):
		return types.Call("quiz_trivia", "action", "stop"), true
	}
	if s.current == nil {
		switch {
		case u.HasWord("si", "certo", "vai", "ok", "dai", "riprova", "riproviamo"):
			return types.Call("quiz_trivia", "action", "start", "category", s.category), true
		case u.HasWord("no", "basta"):
			return types.Call("quiz_trivia", "action", "stop"), true
		}
		return types.FunctionCall{}, false
	}
	return types.Call("quiz_trivia", "action", "answer", "answer", u.Text), true
}

var quizPraise = []string{
	"Corretto! Bravissimo!",
	"Esatto! Ottimo lavoro!",
	"Giusto! Sei preparato!",
	"Perfetto! Continua così!",
}

func (e *env) quizFunctions() []skills.RegisteredFunction {
	ids := make([]string, 0, len(e.content.Quiz))
	for _, c := range e.content.Quiz {
		ids = append(ids, c.ID)
	}
	return []skills.RegisteredFunction{{
		Name: "quiz_trivia",
		Description: "Quiz a domande su cultura generale, Italia, sport, scienza, musica e cinema, con punteggio e suggerimenti. " +
			"Usare per: facciamo un quiz, fammi una domanda, quiz di sport.",
		Params: map[string]skills.Param{
			"action":   {Type: skills.TypeString, Description: "start nuova domanda, answer risposta, hint suggerimento, score punteggio, stop fine", Enum: []string{"start", "answer", "hint", "score", "stop"}},
			"category": {Type: skills.TypeString, Description: "Categoria: " + strings.Join(ids, ", ")},
			"answer":   {Type: skills.TypeString, Description: "Risposta dell'utente"},
		},
		Handler: skills.HandlerFunc(e.quiz),
	}}
}

func (e *env) quiz(_ context.Context, dc *dialogue.Context, args types.Args) (skills.Outcome, error) {
	s, _ := dc.Session().(*quizSession)

	switch args.String("action") {
	case "score":
		if s == nil || s.total == 0 {
			return skills.Respond("Non hai ancora risposto a nessuna domanda", "Non hai ancora giocato. Vuoi iniziare un quiz?"), nil
		}
		pct := s.score * 100 / s.total
		return skills.Respond(
			fmt.Sprintf("Punteggio: %d/%d (%d%%)", s.score, s.total, pct),
			fmt.Sprintf("Hai totalizzato %d risposte corrette su %d. Il %d percento!", s.score, s.total, pct),
		), nil

	case "hint":
		if s == nil || s.current == nil {
			return skills.Respond("Non c'è nessuna domanda attiva", "Non c'è una domanda in corso."), nil
		}
		first := strings.ToUpper(string([]rune(s.current.Answer)[:1]))
		return skills.Respond(
			fmt.Sprintf("Suggerimento: inizia con '%s'", first),
			fmt.Sprintf("Ti do un aiutino: la risposta inizia con la lettera %s.", first),
		), nil

	case "answer":
		if s == nil || s.current == nil {
			return skills.Respond("Non c'è nessuna domanda attiva", "Non c'è una domanda in corso. Vuoi iniziare un quiz?"), nil
		}
		answer := args.String("answer")
		if answer == "" {
			return skills.Respond("Qual è la tua risposta?", "Dimmi la tua risposta."), nil
		}
		correct := s.current.Answer
		s.current = nil
		s.total++
		if checkAnswer(correct, answer) {
			s.score++
			return skills.Respond(
				fmt.Sprintf("✓ Corretto! Punteggio: %d/%d", s.score, s.total),
				fmt.Sprintf("%s Punteggio: %d su %d. Vuoi un'altra domanda?", e.pick(quizPraise), s.score, s.total),
			), nil
		}
		return skills.Respond(
			fmt.Sprintf("✗ Sbagliato! La risposta era: %s. Punteggio: %d/%d", correct, s.score, s.total),
			fmt.Sprintf("Mi dispiace, la risposta corretta era %s. Punteggio: %d su %d. Vuoi riprovare?", correct, s.score, s.total),
		), nil

	case "stop":
		if s == nil {
			return skills.Say("Non c'è nessun quiz in corso."), nil
		}
		dc.EndSession()
		if s.total == 0 {
			return skills.Say("Va bene, chiudiamo il quiz. Alla prossima!"), nil
		}
		return skills.Say(fmt.Sprintf("Quiz finito! Hai risposto correttamente a %d domande su %d. Alla prossima!", s.score, s.total)), nil
	}

	cat := e.quizCategory(args.String("category"))
	if s == nil {
		s = &quizSession{asked: make(map[string]bool)}
		dc.SetSession(s)
	}
	s.category = cat.ID
	q := e.nextQuestion(cat, s.asked)
	s.current = &q
	s.asked[q.Question] = true

	display := fmt.Sprintf("[%s] %s", cat.Title, q.Question)
	if len(q.Options) > 0 {
		display += "\nOpzioni: " + strings.Join(q.Options, ", ")
	}
	return skills.Respond(display, fmt.Sprintf("Domanda di %s: %s", cat.Title, q.Question)), nil
}

// quizCategory finds a category by id or title; anything else picks one at random.
func (e *env) quizCategory(name string) QuizCategory {
	n := strings.ReplaceAll(types.Fold(name), " ", "_")
	for _, c := range e.content.Quiz {
		if n != "" && (c.ID == n || strings.Contains(c.ID, n) || types.Fold(c.Title) == types.Fold(name)) {
			return c
		}
	}
	return e.content.Quiz[e.Rand.IntN(len(e.content.Quiz))]
}

// nextQuestion prefers a question not yet asked in this session.
func (e *env) nextQuestion(c QuizCategory, asked map[string]bool) Question {
	var fresh []Question
	for _, q := range c.Questions {
		if !asked[q.Question] {
			fresh = append(fresh, q)
		}
	}
	if len(fresh) == 0 {
		fresh = c.Questions
	}
	return fresh[e.Rand.IntN(len(fresh))]
}

// checkAnswer accepts an exact match, either string containing the other, or
// equal numbers.
func checkAnswer(correct, response string) bool {
	c, r := types.Fold(correct), strings.Trim(types.Fold(response), " .!?")
	if r == "" {
		return false
	}
	if c == r || strings.Contains(r, c) || (len(r) >= 3 && strings.Contains(c, r)) {
		return true
	}
	cf, err1 := strconv.ParseFloat(c, 64)
	rf, err2 := strconv.ParseFloat(r, 64)
	return err1 == nil && err2 == nil && cf == rf
}
