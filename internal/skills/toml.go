package skills

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type agentFile struct {
	Tools map[string]*ToolDef `toml:"tools"`
}

// ParseToolsTOML decodes the [tools.<name>] tables of an agent.toml file.
func ParseToolsTOML(data []byte) (map[string]*ToolDef, error) {
	var f agentFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("decode agent.toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in agent.toml: %v", undecoded)
	}
	tools := make(map[string]*ToolDef, len(f.Tools))
	for name, tool := range f.Tools {
		if tool == nil {
			continue
		}
		if tool.Command == "" {
			return nil, fmt.Errorf("tool %q has no command", name)
		}
		tool.Name = name
		tools[name] = tool
	}
	return tools, nil
}
