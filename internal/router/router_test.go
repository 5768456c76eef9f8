package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/models"
	"github.com/clawinfra/parlo/internal/profiles"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRegistry registers a no-op function for every profile and core name,
// with the parameters the rules extract.
func testRegistry(t *testing.T) *skills.Registry {
	t.Helper()
	reg := skills.NewRegistry(testLogger())
	noop := skills.HandlerFunc(func(context.Context, *dialogue.Context, types.Args) (skills.Outcome, error) {
		return skills.None(), nil
	})
	params := map[types.FunctionName]map[string]skills.Param{
		"radio_italia": {
			"action":  {Type: skills.TypeString, Enum: []string{"play", "stop", "list"}},
			"station": {Type: skills.TypeString},
		},
		"meteo_italia": {"city": {Type: skills.TypeString}},
		"traduttore_realtime": {
			"modalita":            {Type: skills.TypeString},
			"lingua_destinazione": {Type: skills.TypeString},
		},
		"quiz_trivia": {
			"action":   {Type: skills.TypeString},
			"category": {Type: skills.TypeString},
			"answer":   {Type: skills.TypeString},
		},
	}
	seen := map[types.FunctionName]bool{}
	add := func(name types.FunctionName) {
		if seen[name] {
			return
		}
		seen[name] = true
		if err := reg.Register(skills.RegisteredFunction{
			Name:        name,
			Description: "funzione " + string(name),
			Params:      params[name],
			Handler:     noop,
		}); err != nil {
			t.Fatal(err)
		}
	}
	catalog := profiles.DefaultCatalog()
	for _, p := range catalog.List() {
		for _, fn := range catalog.Functions(p.Name) {
			add(fn)
		}
	}
	return reg
}

func newTestContext(t *testing.T, profile string) *dialogue.Context {
	t.Helper()
	dc := dialogue.NewContext("conn-1", dialogue.Options{DeviceID: "dev-1", Profile: profile}, testLogger())
	t.Cleanup(dc.Close)
	return dc
}

type fakeModel struct {
	calls atomic.Int32
	chat  func(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
}

func (f *fakeModel) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	f.calls.Add(1)
	return f.chat(ctx, req)
}

func replying(content string) *fakeModel {
	return &fakeModel{chat: func(context.Context, models.ChatRequest) (*models.ChatResponse, error) {
		return &models.ChatResponse{Content: content}, nil
	}}
}

func blocking() *fakeModel {
	return &fakeModel{chat: func(ctx context.Context, _ models.ChatRequest) (*models.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func newTestRouter(t *testing.T, cfg Config, opts ...Option) *Router {
	t.Helper()
	return New(cfg, testRegistry(t), profiles.DefaultCatalog(), testLogger(), opts...)
}

// quizSession claims every utterance as a quiz answer.
type quizSession struct{}

func (quizSession) Function() types.FunctionName { return "quiz_trivia" }
func (quizSession) Describe() string             { return "il quiz" }
func (quizSession) Continue(u types.Utterance) (types.FunctionCall, bool) {
	return types.Call("quiz_trivia", "action", "answer", "answer", u.Text), true
}

func TestClassifyFastPath(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	tests := []struct {
		text string
		want types.FunctionCall
		rule string
	}{
		{"metti radio zeta", types.Call("radio_italia", "action", "play", "station", "radio zeta"), "radio"},
		{"Metti Radio Zeta!", types.Call("radio_italia", "action", "play", "station", "radio zeta"), "radio"},
		{"stop", types.Call(types.ExitIntent), "global-interrupt"},
		{"Basta così", types.Call(types.ExitIntent), "global-interrupt"},
		{"che tempo fa a Roma", types.Call("meteo_italia", "city", "roma"), "weather"},
		{"che tempo fa", types.Call("meteo_italia"), "weather"},
		{"attiva modalità interprete", types.Call("traduttore_realtime", "modalita", "avvia"), "interpreter-mode"},
		{"passa al profilo cucina", types.Call("cambia_profilo", "azione", "cambia", "profilo", "cucina"), "profile-switch"},
		{"che ore sono", types.Call(types.ResultForContext), "time-date"},
		{"ciao", types.Call(types.ContinueChat), "greeting"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			d := r.Classify(context.Background(), newTestContext(t, profiles.DefaultProfile), types.NewUtterance(tt.text))
			if d.Stage != StageFast {
				t.Fatalf("stage = %s, want FAST", d.Stage)
			}
			if d.Call.String() != tt.want.String() {
				t.Errorf("call = %s, want %s", d.Call, tt.want)
			}
			if d.Rule != tt.rule {
				t.Errorf("rule = %s, want %s", d.Rule, tt.rule)
			}
		})
	}
}

func TestInterruptBeatsActiveSession(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	dc := newTestContext(t, profiles.DefaultProfile)
	dc.SetSession(quizSession{})

	d := r.Classify(context.Background(), dc, types.NewUtterance("stop"))
	if d.Call.Name != types.ExitIntent {
		t.Fatalf("expected exit intent with a quiz active, got %s", d.Call)
	}

	d = r.Classify(context.Background(), dc, types.NewUtterance("la risposta è Roma"))
	if d.Call.Name != "quiz_trivia" || d.Rule != "session-continuation" {
		t.Errorf("expected the session to claim the answer, got %s via %s", d.Call, d.Rule)
	}

	// Long utterances containing a stop word are not interrupts.
	d = r.Classify(context.Background(), dc, types.NewUtterance("non voglio che tu ti fermi mai basta dire di no"))
	if d.Call.Name == types.ExitIntent {
		t.Error("long utterance must not trigger the global interrupt")
	}
}

func TestInterpreterNeverSwitchesProfile(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	for _, text := range []string{"attiva modalità interprete", "attiva la modalità interprete per favore", "modalità traduttore simultaneo"} {
		d := r.Classify(context.Background(), newTestContext(t, profiles.DefaultProfile), types.NewUtterance(text))
		if d.Call.Name == "cambia_profilo" {
			t.Errorf("%q resolved to cambia_profilo", text)
		}
	}
}

func TestIneligibleRuleIsSkipped(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	// cucina does not include radio_italia and there is no model.
	d := r.Classify(context.Background(), newTestContext(t, "cucina"), types.NewUtterance("metti radio zeta"))
	if d.Call.Name != types.ContinueChat || d.Stage != StageRecovered || d.Reason != ReasonNoModel {
		t.Errorf("expected recovered continue_chat, got %+v", d)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	dc := newTestContext(t, profiles.DefaultProfile)
	u := types.NewUtterance("fammi un timer di 10 minuti")
	first := r.Classify(context.Background(), dc, u)
	for i := 0; i < 5; i++ {
		if got := r.Classify(context.Background(), dc, u); got.Call.String() != first.Call.String() {
			t.Fatalf("classification changed: %s then %s", first.Call, got.Call)
		}
	}
	if first.Call.Name != "timer_sveglia" || first.Call.Arguments.Int("minutes", 0) != 10 {
		t.Errorf("unexpected timer call %s", first.Call)
	}
}

func TestModelStage(t *testing.T) {
	m := replying(`Ecco: {"function_call": {"name": "continue_chat", "arguments": {}}}`)
	r := newTestRouter(t, DefaultConfig(), WithModel(m))

	d := r.Classify(context.Background(), newTestContext(t, profiles.DefaultProfile), types.NewUtterance("parlami della divina commedia"))
	if d.Stage != StageModel || d.Call.Name != types.ContinueChat {
		t.Errorf("expected MODEL continue_chat, got %s %s", d.Stage, d.Call)
	}
	if d.Call.Arguments != nil {
		t.Errorf("empty arguments should be nil, got %v", d.Call.Arguments)
	}
}

func TestModelArgumentsFiltered(t *testing.T) {
	m := replying(`{"function_call": {"name": "meteo_italia", "arguments": "{\"city\": \"torino\", \"umore\": \"felice\"}"}}`)
	r := newTestRouter(t, DefaultConfig(), WithModel(m))

	d := r.Classify(context.Background(), newTestContext(t, profiles.DefaultProfile), types.NewUtterance("devo prendere l'ombrello a torino?"))
	if d.Call.Name != "meteo_italia" || d.Call.Arguments.String("city") != "torino" {
		t.Fatalf("unexpected call %s", d.Call)
	}
	if d.Call.Arguments.Has("umore") {
		t.Error("undeclared argument must be dropped")
	}
}

func TestModelTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelTimeout = 20 * time.Millisecond
	r := newTestRouter(t, cfg, WithModel(blocking()))

	start := time.Now()
	d := r.Classify(context.Background(), newTestContext(t, profiles.DefaultProfile), types.NewUtterance("spiegami la relatività"))
	if d.Call.Name != types.ContinueChat || d.Stage != StageRecovered || d.Reason != ReasonTimeout {
		t.Errorf("expected recovered continue_chat after timeout, got %+v", d)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout not enforced")
	}
}

func TestTurnCancellationDoesNotTripBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.ConsecutiveFailures = 1
	m := blocking()
	r := newTestRouter(t, cfg, WithModel(m))

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		d := r.Classify(ctx, newTestContext(t, profiles.DefaultProfile), types.NewUtterance("raccontami qualcosa"))
		if d.Reason != ReasonCancelled {
			t.Fatalf("attempt %d: reason = %q, want cancelled", i, d.Reason)
		}
	}
	if got := r.Stats().Breaker; got != "closed" {
		t.Errorf("breaker = %s, want closed", got)
	}
}

func TestBreakerOpens(t *testing.T) {
	m := &fakeModel{chat: func(context.Context, models.ChatRequest) (*models.ChatResponse, error) {
		return nil, errors.New("connection refused")
	}}
	r := newTestRouter(t, DefaultConfig(), WithModel(m))
	dc := newTestContext(t, profiles.DefaultProfile)

	for i := 0; i < 3; i++ {
		d := r.Classify(context.Background(), dc, types.NewUtterance("spiegami la fotosintesi"))
		if d.Reason != ReasonModelError {
			t.Fatalf("attempt %d: reason = %q", i, d.Reason)
		}
	}
	d := r.Classify(context.Background(), dc, types.NewUtterance("spiegami la fotosintesi"))
	if d.Reason != ReasonBreakerOpen || d.Call.Name != types.ContinueChat {
		t.Errorf("expected breaker_open, got %+v", d)
	}
	if m.calls.Load() != 3 {
		t.Errorf("open breaker must not call the model, calls = %d", m.calls.Load())
	}
}

func TestModelOutputRecovery(t *testing.T) {
	tests := []struct {
		name   string
		output string
		reason string
	}{
		{"prose", "Non saprei proprio.", ReasonParse},
		{"no function call", `{"risposta": "ciao"}`, ReasonParse},
		{"unknown function", `{"function_call": {"name": "lancia_razzo"}}`, ReasonUnknownName},
		{"not in profile", `{"function_call": {"name": "karaoke"}}`, ReasonUnknownName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, DefaultConfig(), WithModel(replying(tt.output)))
			d := r.Classify(context.Background(), newTestContext(t, profiles.DefaultProfile), types.NewUtterance("qualcosa di strano"))
			if d.Call.Name != types.ContinueChat || d.Reason != tt.reason {
				t.Errorf("got %s reason %q, want continue_chat reason %q", d.Call, d.Reason, tt.reason)
			}
		})
	}
}

func TestCachedClassification(t *testing.T) {
	m := replying(`{"function_call": {"name": "curiosita"}}`)
	r := newTestRouter(t, DefaultConfig(), WithModel(m), WithCache(NewLocalCache(time.Minute, 10)))
	dc := newTestContext(t, profiles.DefaultProfile)
	u := types.NewUtterance("stupiscimi con qualcosa")

	first := r.Classify(context.Background(), dc, u)
	second := r.Classify(context.Background(), dc, u)
	if first.Stage != StageModel || second.Stage != StageCached {
		t.Fatalf("stages = %s, %s", first.Stage, second.Stage)
	}
	if second.Call.Name != "curiosita" || m.calls.Load() != 1 {
		t.Errorf("expected one model call, got %d", m.calls.Load())
	}

	// Reserved names are never cached.
	m2 := replying(`{"function_call": {"name": "continue_chat"}}`)
	r2 := newTestRouter(t, DefaultConfig(), WithModel(m2), WithCache(NewLocalCache(time.Minute, 10)))
	r2.Classify(context.Background(), dc, u)
	r2.Classify(context.Background(), dc, u)
	if m2.calls.Load() != 2 {
		t.Errorf("continue_chat must not be cached, calls = %d", m2.calls.Load())
	}
}

func TestPromptListsOnlyEligibleFunctions(t *testing.T) {
	var captured models.ChatRequest
	m := &fakeModel{chat: func(_ context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
		captured = req
		return &models.ChatResponse{Content: `{"function_call":{"name":"continue_chat"}}`}, nil
	}}
	r := newTestRouter(t, DefaultConfig(), WithModel(m))
	dc := newTestContext(t, "cucina")
	dc.History.Add("user", "buonasera")
	dc.History.Add("assistant", "Buonasera! Cosa cuciniamo?")

	r.Classify(context.Background(), dc, types.NewUtterance("qualcosa di veloce per cena"))

	if !strings.Contains(captured.SystemPrompt, "- ricette:") || !strings.Contains(captured.SystemPrompt, "- continue_chat:") {
		t.Error("prompt must list eligible and reserved functions")
	}
	if strings.Contains(captured.SystemPrompt, "radio_italia") {
		t.Error("prompt must not offer functions outside the profile, even in examples")
	}
	if n := len(captured.Messages); n != 3 || captured.Messages[n-1].Content != "qualcosa di veloce per cena" {
		t.Errorf("unexpected messages %+v", captured.Messages)
	}
	if !captured.JSON {
		t.Error("classifier should request JSON output")
	}
}

func TestParseModelOutput(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		err  bool
	}{
		{`{"function_call":{"name":"meteo_italia","arguments":{"city":"bari"}}}`, "meteo_italia(map[city:bari])", false},
		{"```json\n{\"function_call\":{\"name\":\"dado\",\"arguments\":null}}\n```", "dado()", false},
		{`{"name":"oroscopo","arguments":"{\"segno\":\"leone\"}"}`, "oroscopo(map[segno:leone])", false},
		{`{"function_call":{"name":"dado","arguments":""}}`, "dado()", false},
		{"nessun json", "", true},
		{`{"function_call":{"name":""}}`, "", true},
		{`{"function_call":{"name":"x","arguments":"non json"}}`, "", true},
	}
	for _, tt := range tests {
		call, err := ParseModelOutput(tt.raw)
		if tt.err {
			if err == nil {
				t.Errorf("ParseModelOutput(%q) expected error, got %s", tt.raw, call)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseModelOutput(%q): %v", tt.raw, err)
			continue
		}
		if call.String() != tt.want {
			t.Errorf("ParseModelOutput(%q) = %s, want %s", tt.raw, call, tt.want)
		}
	}
}

func TestHotReloadSetters(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	r.SetModelTimeout(time.Second)
	r.SetModelTimeout(-1)
	if time.Duration(r.timeout.Load()) != time.Second {
		t.Error("negative timeout must be ignored")
	}
	r.SetHistoryTurns(0)
	if r.historyTurns.Load() != 0 {
		t.Error("history turns not updated")
	}
}

func TestStats(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	dc := newTestContext(t, profiles.DefaultProfile)
	r.Classify(context.Background(), dc, types.NewUtterance("stop"))
	r.Classify(context.Background(), dc, types.NewUtterance("spiegami la relatività"))

	s := r.Stats()
	if s.Total != 2 || s.ByStage["FAST"] != 1 || s.ByStage["RECOVERED"] != 1 || s.ByReason[ReasonNoModel] != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}
