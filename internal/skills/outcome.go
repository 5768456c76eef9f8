package skills

import (
	"encoding/json"
	"fmt"
)

// OutcomeKind tags the variant carried by an Outcome.
type OutcomeKind int

const (
	// KindInvalid is the zero value; a handler returning it has failed.
	KindInvalid OutcomeKind = iota
	// KindRespond ends the turn speaking the given text verbatim.
	KindRespond
	// KindRequestModelPhrasing hands a seed to the model for the spoken reply.
	KindRequestModelPhrasing
	// KindSystemControl means the skill started asynchronous work; say nothing.
	KindSystemControl
	// KindNone means no user-visible effect.
	KindNone
)

var outcomeKindNames = map[OutcomeKind]string{
	KindInvalid:              "invalid",
	KindRespond:              "respond",
	KindRequestModelPhrasing: "request_model_phrasing",
	KindSystemControl:        "system_control",
	KindNone:                 "none",
}

func (k OutcomeKind) String() string {
	if s, ok := outcomeKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// MarshalJSON encodes the kind as its name.
func (k OutcomeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Outcome is the tagged value a handler returns. Exactly one variant is set;
// build it with Respond, RequestModelPhrasing, SystemControl or None.
type Outcome struct {
	kind    OutcomeKind
	display string
	spoken  string
	seed    string
}

// Respond ends the turn with spoken text. An empty spoken falls back to display.
func Respond(display, spoken string) Outcome {
	if spoken == "" {
		spoken = display
	}
	if display == "" {
		display = spoken
	}
	return Outcome{kind: KindRespond, display: display, spoken: spoken}
}

// Say is Respond with identical display and spoken text.
func Say(text string) Outcome { return Respond(text, text) }

// RequestModelPhrasing asks the language model to phrase the reply from seed.
func RequestModelPhrasing(seed string) Outcome {
	return Outcome{kind: KindRequestModelPhrasing, seed: seed}
}

// SystemControl reports that detached work was scheduled.
func SystemControl() Outcome { return Outcome{kind: KindSystemControl} }

// None reports no user-visible effect.
func None() Outcome { return Outcome{kind: KindNone} }

// Kind returns the variant tag.
func (o Outcome) Kind() OutcomeKind { return o.kind }

// Display returns the Respond display text.
func (o Outcome) Display() string { return o.display }

// Spoken returns the Respond spoken text.
func (o Outcome) Spoken() string { return o.spoken }

// Seed returns the RequestModelPhrasing instruction.
func (o Outcome) Seed() string { return o.seed }

// Valid reports whether a variant is set.
func (o Outcome) Valid() bool {
	switch o.kind {
	case KindRespond:
		return o.spoken != ""
	case KindRequestModelPhrasing:
		return o.seed != ""
	case KindSystemControl, KindNone:
		return true
	default:
		return false
	}
}

func (o Outcome) String() string {
	switch o.kind {
	case KindRespond:
		return fmt.Sprintf("respond(%q)", o.spoken)
	case KindRequestModelPhrasing:
		return fmt.Sprintf("request_model_phrasing(%q)", o.seed)
	default:
		return o.kind.String()
	}
}

// Result is what the handler-invocation step returns: either a valid Outcome
// or the failure that replaced it.
type Result struct {
	Outcome Outcome
	Err     error
}

// Failed reports whether the handler did not produce a valid Outcome.
func (r Result) Failed() bool { return r.Err != nil || !r.Outcome.Valid() }
