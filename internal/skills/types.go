package skills

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/types"
)

// Capability is the closed set of handler behaviours dispatch plans for.
type Capability string

const (
	// CapWait handlers compute a reply, possibly over the network, and return it.
	CapWait Capability = "wait"
	// CapSystemControl handlers start or stop background work and must return quickly.
	CapSystemControl Capability = "system_ctl"
	// CapChangeProfile handlers switch the device profile or persona.
	CapChangeProfile Capability = "change_profile"
)

// ParseCapability validates a capability name. Empty means CapWait.
func ParseCapability(s string) (Capability, error) {
	switch Capability(strings.ToLower(strings.TrimSpace(s))) {
	case "", CapWait:
		return CapWait, nil
	case CapSystemControl:
		return CapSystemControl, nil
	case CapChangeProfile:
		return CapChangeProfile, nil
	default:
		return "", fmt.Errorf("unknown capability %q", s)
	}
}

// ParamType is the JSON type of a parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
)

// Param describes one parameter of a registered function.
type Param struct {
	Type        ParamType `json:"type" toml:"type"`
	Description string    `json:"description" toml:"description"`
	Required    bool      `json:"required" toml:"required"`
	Enum        []string  `json:"enum,omitempty" toml:"enum"`
	// Ask is the clarification question spoken when a required value is missing.
	Ask string `json:"-" toml:"ask"`
}

// Handler executes a function. Handlers receive the connection's dialogue
// context and validated arguments and return exactly one Outcome.
type Handler interface {
	Handle(ctx context.Context, dc *dialogue.Context, args types.Args) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, dc *dialogue.Context, args types.Args) (Outcome, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, dc *dialogue.Context, args types.Args) (Outcome, error) {
	return f(ctx, dc, args)
}

// RegisteredFunction is one entry of the registry. It is read-only once registered.
type RegisteredFunction struct {
	Name        types.FunctionName
	Description string
	Params      map[string]Param
	Capability  Capability
	Handler     Handler
	// Source is "builtin" or the external skill that provided the function.
	Source string
}

// ParamNames returns parameter names in a stable order: required first, then alphabetical.
func (f *RegisteredFunction) ParamNames() []string {
	names := make([]string, 0, len(f.Params))
	for name := range f.Params {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := f.Params[names[i]].Required, f.Params[names[j]].Required
		if ri != rj {
			return ri
		}
		return names[i] < names[j]
	})
	return names
}

// Missing returns the required parameters absent from args, in ParamNames order.
func (f *RegisteredFunction) Missing(args types.Args) []string {
	var missing []string
	for _, name := range f.ParamNames() {
		if f.Params[name].Required && !args.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Clarification is the question asked when param is missing.
func (f *RegisteredFunction) Clarification(param string) string {
	p := f.Params[param]
	if p.Ask != "" {
		return p.Ask
	}
	if p.Description != "" {
		return fmt.Sprintf("Mi manca un'informazione: %s. Me la puoi dire?", strings.TrimRight(strings.ToLower(p.Description), "."))
	}
	return fmt.Sprintf("Mi manca un'informazione: %s. Me la puoi dire?", param)
}

func (f *RegisteredFunction) validate() error {
	if strings.TrimSpace(string(f.Name)) == "" {
		return fmt.Errorf("function name is empty")
	}
	if strings.ContainsAny(string(f.Name), " \t\n") {
		return fmt.Errorf("function name %q contains whitespace", f.Name)
	}
	if f.Handler == nil {
		return fmt.Errorf("function %q has no handler", f.Name)
	}
	if _, err := ParseCapability(string(f.Capability)); err != nil {
		return fmt.Errorf("function %q: %w", f.Name, err)
	}
	for name, p := range f.Params {
		switch p.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean:
		case "":
		default:
			return fmt.Errorf("function %q param %q: unknown type %q", f.Name, name, p.Type)
		}
	}
	return nil
}

// SkillManifest represents parsed SKILL.md frontmatter metadata of an external skill.
type SkillManifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Env         []string `yaml:"env"`
}

// ToolDef is one command-backed function loaded from agent.toml.
type ToolDef struct {
	Name        string           `toml:"-"`
	Command     string           `toml:"command"`
	Description string           `toml:"description"`
	Args        []string         `toml:"args"`
	Env         []string         `toml:"env"`
	TimeoutSecs int              `toml:"timeout_secs"`
	Capability  string           `toml:"capability"`
	Params      map[string]Param `toml:"params"`
	Timeout     time.Duration    `toml:"-"`
}

// Skill is an external skill directory with its manifest and tools.
type Skill struct {
	Manifest SkillManifest
	Tools    map[string]*ToolDef
	Dir      string
}

// ToolResult holds the output of a tool execution.
type ToolResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}
