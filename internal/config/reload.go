package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"sync"
)

// ReloadResult lists the config sections a reload found different, split by
// whether they were applied or need a restart.
type ReloadResult struct {
	Applied []string
	Restart []string
}

// Changed returns every differing section, applied ones first.
func (r *ReloadResult) Changed() []string { return slices.Concat(r.Applied, r.Restart) }

// Has reports whether section was applied.
func (r *ReloadResult) Has(section string) bool { return slices.Contains(r.Applied, section) }

// Report logs the outcome: one line for what was applied, one warning per
// reload if some changes wait for a restart.
func (r *ReloadResult) Report(logger *slog.Logger) {
	if len(r.Applied)+len(r.Restart) == 0 {
		logger.Info("config reloaded, nothing changed")
		return
	}
	logger.Info("config reloaded", "applied", r.Applied)
	if len(r.Restart) > 0 {
		logger.Warn("config changes need a restart", "sections", r.Restart)
	}
}

// A section is one unit Reload compares. Sections without a copy function
// are only reported.
type section struct {
	name string
	view func(c *Config) any
	copy func(dst, src *Config)
}

func restartOnly(name string, view func(c *Config) any) section {
	return section{name: name, view: view}
}

var sections = []section{
	restartOnly("Server.Port", func(c *Config) any { return c.Server.Port }),
	restartOnly("Server.DataDir", func(c *Config) any { return c.Server.DataDir }),
	restartOnly("Server.LogFormat", func(c *Config) any { return c.Server.LogFormat }),
	restartOnly("MQTT", func(c *Config) any { return c.MQTT }),
	restartOnly("Channels", func(c *Config) any { return c.Channels }),
	restartOnly("Cache", func(c *Config) any { return c.Cache }),
	restartOnly("Journal", func(c *Config) any { return c.Journal }),
	restartOnly("Security", func(c *Config) any { return c.Security }),
	restartOnly("Skills", func(c *Config) any { return c.Skills }),
	restartOnly("Profiles", func(c *Config) any { return c.Profiles }),
	restartOnly("Functions", func(c *Config) any { return c.Functions }),
	{
		name: "Server.LogLevel",
		view: func(c *Config) any { return c.Server.LogLevel },
		copy: func(dst, src *Config) { dst.Server.LogLevel = src.Server.LogLevel },
	},
	{
		name: "Models",
		view: func(c *Config) any { return c.Models },
		copy: func(dst, src *Config) { dst.Models = src.Models },
	},
	{
		name: "Classifier",
		view: func(c *Config) any { return c.Classifier },
		copy: func(dst, src *Config) { dst.Classifier = src.Classifier },
	},
	{
		name: "Dialogue",
		view: func(c *Config) any { return c.Dialogue },
		copy: func(dst, src *Config) { dst.Dialogue = src.Dialogue },
	},
	{
		name: "Scheduler",
		view: func(c *Config) any { return c.Scheduler },
		copy: func(dst, src *Config) { dst.Scheduler = src.Scheduler },
	},
}

// HotReloadable reports whether a section is applied without a restart.
// known is false for names that are not config sections.
func HotReloadable(name string) (hot, known bool) {
	i := slices.IndexFunc(sections, func(s section) bool { return s.name == name })
	if i < 0 {
		return false, false
	}
	return sections[i].copy != nil, true
}

// live guards a Config while Reload copies sections into it.
var live sync.RWMutex

// RLock and RUnlock let readers of a reloadable Config exclude Reload.
func RLock()   { live.RLock() }
func RUnlock() { live.RUnlock() }

// Reload re-reads path and copies the hot sections that differ into c.
// Restart-only sections are reported and left untouched. An invalid file
// leaves c as it was. The caller pushes applied sections into the running
// components.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}
	next := DefaultConfig()
	if err := json.Unmarshal(data, next); err != nil {
		return nil, fmt.Errorf("reload config: parse: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}

	live.Lock()
	defer live.Unlock()

	res := &ReloadResult{}
	for _, s := range sections {
		if reflect.DeepEqual(s.view(c), s.view(next)) {
			continue
		}
		if s.copy == nil {
			res.Restart = append(res.Restart, s.name)
			continue
		}
		s.copy(c, next)
		res.Applied = append(res.Applied, s.name)
	}
	return res, nil
}
