package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/models"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

// ChatModel is the language model behind the fallback classifier.
type ChatModel interface {
	Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
}

var (
	// ErrNoJSON means the model output contained no JSON object.
	ErrNoJSON = errors.New("no JSON object in model output")
	// ErrNoFunctionCall means the JSON had no usable function_call.
	ErrNoFunctionCall = errors.New("model output has no function_call")
)

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

type modelReply struct {
	FunctionCall *rawCall `json:"function_call"`
	rawCall
}

type rawCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseModelOutput extracts the function call from raw model text. Prose
// around the JSON object is ignored. Arguments may be an object or a string
// holding an object.
func ParseModelOutput(raw string) (types.FunctionCall, error) {
	obj := jsonObjectRe.FindString(raw)
	if obj == "" {
		return types.FunctionCall{}, ErrNoJSON
	}

	var reply modelReply
	if err := json.Unmarshal([]byte(obj), &reply); err != nil {
		return types.FunctionCall{}, fmt.Errorf("decode model output: %w", err)
	}
	rc := reply.FunctionCall
	if rc == nil {
		rc = &reply.rawCall
	}
	name := strings.TrimSpace(rc.Name)
	if name == "" {
		return types.FunctionCall{}, ErrNoFunctionCall
	}

	args, err := decodeArguments(rc.Arguments)
	if err != nil {
		return types.FunctionCall{}, err
	}
	return types.FunctionCall{Name: types.FunctionName(name), Arguments: args}, nil
}

func decodeArguments(raw json.RawMessage) (types.Args, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		trimmed = s
	}
	var args types.Args
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

// filterArgs keeps only declared parameters. Functions declaring none keep
// nothing.
func filterArgs(fn *skills.RegisteredFunction, args types.Args) types.Args {
	if fn == nil || len(args) == 0 {
		return nil
	}
	out := types.Args{}
	for k, v := range args {
		if _, ok := fn.Params[k]; ok && v != nil {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// examples seed the prompt; only those whose function is offered are shown.
var examples = []struct {
	text string
	call types.FunctionCall
}{
	{"metti radio deejay", types.Call("radio_italia", "action", "play", "station", "radio deejay")},
	{"che tempo fa domani a napoli", types.Call("meteo_italia", "city", "napoli")},
	{"fammi un timer di dieci minuti", types.Call("timer_sveglia", "action", "set", "minutes", 10)},
	{"ricordami di chiamare la mamma", types.Call("promemoria", "action", "add", "text", "chiamare la mamma")},
	{"voglio giocare a un quiz sullo sport", types.Call("quiz_trivia", "action", "start", "category", "sport")},
	{"come si dice buongiorno in inglese", types.Call("traduttore", "testo", "buongiorno", "lingua", "inglese")},
	{"passa al profilo cucina", types.Call("cambia_profilo", "azione", "cambia", "profilo", "cucina")},
	{"che ore sono", types.Call(types.ResultForContext)},
	{"raccontami com'era Roma nel medioevo", types.Call(types.ContinueChat)},
}

const promptHeader = `Sei il classificatore di intenti di un assistente vocale italiano.
Per ogni richiesta scegli UNA funzione tra quelle elencate e rispondi SOLO con un oggetto JSON:
{"function_call": {"name": "<funzione>", "arguments": {<argomenti>}}}

REGOLE:
- Usa esclusivamente i nomi di funzione elencati sotto.
- Se la richiesta è conversazione libera o nessuna funzione è adatta, usa continue_chat.
- Se la risposta si ricava dal contesto (ora, data, cose già dette), usa result_for_context.
- Includi solo gli argomenti che conosci; non inventare valori.
- Nessun testo fuori dal JSON.
`

// BuildPrompt renders the system prompt listing fns and the conversation
// messages ending with the current utterance.
func BuildPrompt(fns []*skills.RegisteredFunction, history []dialogue.Turn, utterance string) (string, []models.ChatMessage) {
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString("\nFUNZIONI:\n")

	offered := make(map[types.FunctionName]bool, len(fns))
	for _, fn := range fns {
		offered[fn.Name] = true
		fmt.Fprintf(&b, "- %s: %s", fn.Name, fn.Description)
		if names := fn.ParamNames(); len(names) > 0 {
			parts := make([]string, len(names))
			for i, n := range names {
				p := fn.Params[n]
				part := n
				if len(p.Enum) > 0 {
					part += "=" + strings.Join(p.Enum, "|")
				}
				if p.Required {
					part += "*"
				}
				parts[i] = part
			}
			fmt.Fprintf(&b, " (parametri: %s)", strings.Join(parts, ", "))
		}
		b.WriteByte('\n')
	}

	wroteHeader := false
	for _, ex := range examples {
		if !offered[ex.call.Name] {
			continue
		}
		if !wroteHeader {
			b.WriteString("\nESEMPI:\n")
			wroteHeader = true
		}
		data, _ := json.Marshal(map[string]any{"function_call": ex.call})
		fmt.Fprintf(&b, "%q -> %s\n", ex.text, data)
	}

	msgs := make([]models.ChatMessage, 0, len(history)+1)
	for _, t := range history {
		role := t.Role
		if role != "user" {
			role = "assistant"
		}
		msgs = append(msgs, models.ChatMessage{Role: role, Content: t.Content})
	}
	msgs = append(msgs, models.ChatMessage{Role: "user", Content: utterance})
	return b.String(), msgs
}

// modelStage wraps the chat model in a circuit breaker.
type modelStage struct {
	model   ChatModel
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// cancelledCall carries the caller's own cancellation through the breaker
// without counting it as a model failure.
type cancelledCall struct{ err error }

func newModelStage(model ChatModel, cfg BreakerConfig, logger *slog.Logger) *modelStage {
	s := &modelStage{model: model, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "intent-model",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return s
}

// call runs one model request under the breaker. turnCtx is the turn's own
// context: when it is done the error is reported as cancellation and the
// breaker is not charged.
func (s *modelStage) call(turnCtx, callCtx context.Context, req models.ChatRequest) (string, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		resp, err := s.model.Chat(callCtx, req)
		if err != nil {
			if turnCtx.Err() != nil {
				return cancelledCall{err: turnCtx.Err()}, nil
			}
			return nil, err
		}
		return resp.Content, nil
	})
	if err != nil {
		return "", err
	}
	if c, ok := out.(cancelledCall); ok {
		return "", c.err
	}
	return out.(string), nil
}

func (s *modelStage) state() string {
	return s.breaker.State().String()
}

// recoveryReason maps a model stage error to the reason reported with the
// continue_chat substitution.
func recoveryReason(turnCtx context.Context, err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return ReasonBreakerOpen
	case turnCtx.Err() != nil, errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonModelError
	}
}
