// Package types provides shared types used across parlo packages
// to avoid import cycles between channels, dialogue and orchestrator.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageKind distinguishes utterances from connection lifecycle events.
type MessageKind string

const (
	KindUtterance MessageKind = "utterance"
	KindHello     MessageKind = "hello"
	KindBye       MessageKind = "bye"
)

// Message is one inbound event from a device channel.
type Message struct {
	ID        string
	Kind      MessageKind
	Channel   string // "websocket", "mqtt", "console"
	DeviceID  string
	Text      string
	Timestamp time.Time
	Metadata  map[string]string
}

// MetaConn is the metadata key a channel sets when one device may hold
// several connections at once (one per WebSocket).
const MetaConn = "conn"

// ConnID identifies the connection the message arrived on.
func (m Message) ConnID() string {
	if id := m.Metadata[MetaConn]; id != "" {
		return id
	}
	return m.Channel + "/" + m.DeviceID
}

// ReplyKind tells the device what to do with a Reply.
type ReplyKind string

const (
	ReplySpeak ReplyKind = "speak"
	ReplyAudio ReplyKind = "audio"
	ReplyState ReplyKind = "state"
)

// Reply is one outbound event for a device.
type Reply struct {
	Kind     ReplyKind         `json:"kind"`
	DeviceID string            `json:"device_id"`
	Channel  string            `json:"-"`
	TurnID   string            `json:"turn_id,omitempty"`
	Display  string            `json:"display,omitempty"`
	Spoken   string            `json:"spoken,omitempty"`
	Audio    []byte            `json:"audio,omitempty"`
	Format   string            `json:"format,omitempty"`
	State    string            `json:"state,omitempty"`
	Function string            `json:"function,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FunctionName identifies a registered function. The space is open:
// built-in and external skills share it.
type FunctionName string

// Reserved names emitted by the model classifier for ambiguous turns.
const (
	ContinueChat     FunctionName = "continue_chat"
	ResultForContext FunctionName = "result_for_context"
	ExitIntent       FunctionName = "handle_exit_intent"
)

// Args holds extracted call arguments. Values are strings, numbers or booleans
// and keys are present only when a value was extracted.
type Args map[string]any

// String returns the argument as a trimmed string, or "" when absent.
func (a Args) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Int returns the argument as an int, or def when absent or not numeric.
func (a Args) Int(key string, def int) int {
	v, ok := a[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// Bool returns the argument as a bool, or def when absent.
func (a Args) Bool(key string, def bool) bool {
	v, ok := a[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

// Has reports whether key carries a non-empty value.
func (a Args) Has(key string) bool {
	v, ok := a[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// FunctionCall is the structured result of classification: the function
// descriptor consumed exactly once by dispatch.
type FunctionCall struct {
	Name      FunctionName `json:"name"`
	Arguments Args         `json:"arguments,omitempty"`
}

// Call builds a FunctionCall from alternating key/value pairs.
func Call(name FunctionName, kv ...any) FunctionCall {
	fc := FunctionCall{Name: name}
	if len(kv) == 0 {
		return fc
	}
	fc.Arguments = make(Args, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fc.Arguments[key] = kv[i+1]
	}
	return fc
}

// String renders the call for logs.
func (fc FunctionCall) String() string {
	if len(fc.Arguments) == 0 {
		return string(fc.Name) + "()"
	}
	return fmt.Sprintf("%s(%v)", fc.Name, map[string]any(fc.Arguments))
}
