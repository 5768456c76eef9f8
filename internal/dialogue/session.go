package dialogue

import (
	"context"

	"github.com/clawinfra/parlo/internal/types"
)

// Session is an in-progress skill interaction (a quiz, a recipe walkthrough,
// interpreter mode). It lives on the DialogueContext that started it.
type Session interface {
	// Function is the registered function that owns the session.
	Function() types.FunctionName
	// Describe names the session for the user, e.g. "il quiz".
	Describe() string
	// Continue lets the session claim an utterance before generic rules run.
	// It must not mutate the session: state changes happen in the handler.
	Continue(u types.Utterance) (types.FunctionCall, bool)
}

// Playback is the queuing contract of the text-to-speech pipeline. Background
// tasks push output through it independently of the turn that started them.
type Playback interface {
	Speak(ctx context.Context, display, spoken string) error
	Audio(ctx context.Context, chunk []byte, format string) error
}

type discardPlayback struct{}

func (discardPlayback) Speak(context.Context, string, string) error { return nil }
func (discardPlayback) Audio(context.Context, []byte, string) error { return nil }

// DiscardPlayback drops all output.
var DiscardPlayback Playback = discardPlayback{}

type utteranceKey struct{}

// WithUtterance attaches the raw utterance of the turn being dispatched.
func WithUtterance(ctx context.Context, raw string) context.Context {
	return context.WithValue(ctx, utteranceKey{}, raw)
}

// UtteranceFrom returns the raw utterance attached by WithUtterance.
func UtteranceFrom(ctx context.Context) string {
	s, _ := ctx.Value(utteranceKey{}).(string)
	return s
}
