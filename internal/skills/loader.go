package skills

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultToolTimeout = 10 * time.Second

// Loader discovers external skills: directories holding a SKILL.md with YAML
// frontmatter and an agent.toml describing command-backed tools.
type Loader struct {
	root    string
	fsys    fs.FS
	timeout time.Duration
	logger  *slog.Logger
}

// NewLoader creates a loader that scans skillsDir. timeout applies to tools
// that do not set timeout_secs.
func NewLoader(skillsDir string, timeout time.Duration, logger *slog.Logger) *Loader {
	return NewLoaderFS(os.DirFS(skillsDir), skillsDir, timeout, logger)
}

// NewLoaderFS scans fsys; root is the on-disk directory fsys mirrors and
// becomes the working directory prefix of every skill.
func NewLoaderFS(fsys fs.FS, root string, timeout time.Duration, logger *slog.Logger) *Loader {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &Loader{
		root:    root,
		fsys:    fsys,
		timeout: timeout,
		logger:  logger.With("component", "skill-loader"),
	}
}

// DefaultSkillsDir returns the default ~/.parlo/skills path.
func DefaultSkillsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".parlo", "skills")
	}
	return filepath.Join(home, ".parlo", "skills")
}

// LoadAll loads every skill directory in name order. Broken skills are
// logged and skipped; a missing root yields no skills and no error.
func (l *Loader) LoadAll() ([]*Skill, error) {
	entries, err := fs.ReadDir(l.fsys, ".")
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Info("no skills directory", "dir", l.root)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var loaded []*Skill
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		sk, err := l.load(e.Name())
		if err != nil {
			l.logger.Warn("skill not loaded", "skill", e.Name(), "error", err)
			continue
		}
		l.logger.Info("skill loaded", "name", sk.Manifest.Name, "version", sk.Manifest.Version, "tools", len(sk.Tools))
		loaded = append(loaded, sk)
	}
	return loaded, nil
}

func (l *Loader) load(name string) (*Skill, error) {
	md, err := fs.ReadFile(l.fsys, path.Join(name, "SKILL.md"))
	if err != nil {
		return nil, err
	}
	manifest, err := parseManifest(md)
	if err != nil {
		return nil, fmt.Errorf("SKILL.md: %w", err)
	}

	agent, err := fs.ReadFile(l.fsys, path.Join(name, "agent.toml"))
	if err != nil {
		return nil, err
	}
	tools, err := ParseToolsTOML(agent)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		t.Command = expandHome(t.Command)
		t.Timeout = l.timeout
		if t.TimeoutSecs > 0 {
			t.Timeout = time.Duration(t.TimeoutSecs) * time.Second
		}
	}
	return &Skill{Manifest: *manifest, Tools: tools, Dir: filepath.Join(l.root, name)}, nil
}

// parseManifest decodes the YAML block between the leading "---" fences.
func parseManifest(data []byte) (*SkillManifest, error) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	rest, ok := bytes.CutPrefix(bytes.TrimLeft(data, "\n"), []byte("---\n"))
	if !ok {
		return nil, errors.New("no YAML frontmatter")
	}
	front, _, ok := bytes.Cut(rest, []byte("\n---"))
	if !ok {
		return nil, errors.New("unterminated YAML frontmatter")
	}

	var m SkillManifest
	if err := yaml.Unmarshal(front, &m); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if m.Name == "" {
		return nil, errors.New("manifest has no name")
	}
	return &m, nil
}

// RegisterExternal registers every tool of skills as a function backed by exec.
// A tool whose name collides with an existing function is skipped with a warning.
func RegisterExternal(reg *Registry, skills []*Skill, exec *Executor, logger *slog.Logger) int {
	registered := 0
	for _, skill := range skills {
		names := make([]string, 0, len(skill.Tools))
		for name := range skill.Tools {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			tool := skill.Tools[name]
			capability, err := ParseCapability(tool.Capability)
			if err != nil {
				logger.Warn("skipping external tool", "skill", skill.Manifest.Name, "tool", name, "error", err)
				continue
			}
			desc := tool.Description
			if desc == "" {
				desc = skill.Manifest.Description
			}
			err = reg.Register(RegisteredFunction{
				Name:        toolFunctionName(name),
				Description: desc,
				Params:      tool.Params,
				Capability:  capability,
				Handler:     &commandHandler{exec: exec, tool: tool, skill: skill},
				Source:      skill.Manifest.Name,
			})
			if err != nil {
				logger.Warn("skipping external tool", "skill", skill.Manifest.Name, "tool", name, "error", err)
				continue
			}
			registered++
		}
	}
	return registered
}

// expandHome replaces leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
