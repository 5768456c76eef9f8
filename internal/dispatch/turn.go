package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/parlo/internal/types"
)

// State is the position of a dialogue turn in its lifecycle.
type State int

const (
	StateReceived State = iota
	StateClassified
	StateDispatched
	StateSpoken
	StateDeferredToModel
	StateBackgrounded
	StateSilent
)

var stateNames = [...]string{
	StateReceived:        "received",
	StateClassified:      "classified",
	StateDispatched:      "dispatched",
	StateSpoken:          "spoken",
	StateDeferredToModel: "deferred_to_model",
	StateBackgrounded:    "backgrounded",
	StateSilent:          "silent",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalJSON encodes the state as its name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether s ends a turn.
func (s State) Terminal() bool {
	return s >= StateSpoken
}

// TerminalStates lists every terminal state.
func TerminalStates() []State {
	return []State{StateSpoken, StateDeferredToModel, StateBackgrounded, StateSilent}
}

// Turn tracks one utterance from arrival to its terminal state.
type Turn struct {
	ID         string             `json:"id"`
	DeviceID   string             `json:"device_id"`
	Text       string             `json:"text"`
	State      State              `json:"state"`
	Call       types.FunctionCall `json:"call"`
	Received   time.Time          `json:"received"`
	Finished   time.Time          `json:"finished,omitempty"`
	Stage      string             `json:"stage,omitempty"`
	Failure    string             `json:"failure,omitempty"`
	Reply      string             `json:"reply,omitempty"`
	DurationMs int64              `json:"duration_ms"`
}

// NewTurn starts a turn in StateReceived.
func NewTurn(deviceID, text string) *Turn {
	return &Turn{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		Text:     text,
		State:    StateReceived,
		Received: time.Now(),
	}
}

// Classified records the resolved call and the classifier stage.
func (t *Turn) Classified(call types.FunctionCall, stage string) error {
	if err := t.advance(StateClassified); err != nil {
		return err
	}
	t.Call = call
	t.Stage = stage
	return nil
}

func (t *Turn) advance(to State) error {
	ok := false
	switch t.State {
	case StateReceived:
		ok = to == StateClassified
	case StateClassified:
		ok = to == StateDispatched
	case StateDispatched:
		ok = to.Terminal()
	}
	if !ok {
		return fmt.Errorf("turn %s: illegal transition %s -> %s", t.ID, t.State, to)
	}
	t.State = to
	if to.Terminal() {
		t.Finished = time.Now()
		t.DurationMs = t.Finished.Sub(t.Received).Milliseconds()
	}
	return nil
}
