package skills

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/types"
)

// Executor runs external skill tools as subprocesses.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates a new tool executor.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{logger: logger.With("component", "skill-executor")}
}

// Execute runs tool with args under the tool's timeout. A non-zero exit
// or a timeout is reported in ToolResult.Err with whatever output was
// captured.
func (e *Executor) Execute(ctx context.Context, tool *ToolDef, skill *Skill, args map[string]string) *ToolResult {
	timeout := cmp.Or(tool.Timeout, defaultToolTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := command(ctx, tool, skill, args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	e.logger.Debug("executing tool", "skill", skill.Manifest.Name, "tool", tool.Name, "argv", cmd.Args)

	err := cmd.Run()
	res := &ToolResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Err = fmt.Errorf("tool %s timed out after %s: %w", tool.Name, timeout, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Err = fmt.Errorf("tool %s: %w", tool.Name, err)
	default:
		res.ExitCode = -1
		res.Err = fmt.Errorf("tool %s: %w", tool.Name, err)
	}
	return res
}

// command builds the subprocess. "$name" entries in the tool's args take
// the argument value; every argument is also exported as SKILL_ARG_<NAME>
// after the skill's and the tool's own environment.
func command(ctx context.Context, tool *ToolDef, skill *Skill, args map[string]string) *exec.Cmd {
	argv := make([]string, len(tool.Args))
	for i, a := range tool.Args {
		if name, ok := strings.CutPrefix(a, "$"); ok {
			a = args[name]
		}
		argv[i] = a
	}

	env := os.Environ()
	for _, kv := range slices.Concat(skill.Manifest.Env, tool.Env) {
		env = append(env, os.ExpandEnv(kv))
	}
	for _, k := range slices.Sorted(maps.Keys(args)) {
		env = append(env, "SKILL_ARG_"+strings.ToUpper(k)+"="+args[k])
	}

	cmd := exec.CommandContext(ctx, tool.Command, argv...)
	cmd.Dir = skill.Dir
	cmd.Env = env
	return cmd
}

// toolOutput is the optional structured form of a tool's stdout.
type toolOutput struct {
	Outcome string `json:"outcome"` // respond, model, none
	Display string `json:"display"`
	Spoken  string `json:"spoken"`
	Seed    string `json:"seed"`
}

// commandHandler adapts an external tool to Handler. Plain stdout is spoken
// verbatim; a JSON object selects the outcome explicitly.
type commandHandler struct {
	exec  *Executor
	tool  *ToolDef
	skill *Skill
}

func (h *commandHandler) Handle(ctx context.Context, dc *dialogue.Context, args types.Args) (Outcome, error) {
	strArgs := make(map[string]string, len(args)+1)
	for k := range args {
		strArgs[k] = args.String(k)
	}
	if dc != nil {
		strArgs["device_id"] = dc.DeviceID
	}

	res := h.exec.Execute(ctx, h.tool, h.skill, strArgs)
	if res.Err != nil {
		return Outcome{}, fmt.Errorf("%w (stderr: %s)", res.Err, strings.TrimSpace(res.Stderr))
	}
	return parseToolOutput(res.Stdout)
}

func toolFunctionName(tool string) types.FunctionName {
	return types.FunctionName(strings.ReplaceAll(strings.TrimSpace(tool), " ", "_"))
}

func parseToolOutput(stdout string) (Outcome, error) {
	out := strings.TrimSpace(stdout)
	if out == "" {
		return Outcome{}, errors.New("tool produced no output")
	}
	if !strings.HasPrefix(out, "{") {
		return Say(out), nil
	}

	var to toolOutput
	if err := json.Unmarshal([]byte(out), &to); err != nil {
		return Say(out), nil
	}
	switch to.Outcome {
	case "", "respond":
		if to.Spoken == "" && to.Display == "" {
			return Outcome{}, errors.New("tool respond outcome without text")
		}
		return Respond(to.Display, to.Spoken), nil
	case "model":
		if to.Seed == "" {
			return Outcome{}, errors.New("tool model outcome without seed")
		}
		return RequestModelPhrasing(to.Seed), nil
	case "none":
		return None(), nil
	default:
		return Outcome{}, fmt.Errorf("tool returned unknown outcome %q", to.Outcome)
	}
}
