// Package functions provides the built-in skills: system control (stop,
// chat, context answers), media, weather, timers, reminders, profiles,
// translation, games and phrase books. Register adds them all to a registry.
package functions

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/clawinfra/parlo/internal/config"
	"github.com/clawinfra/parlo/internal/profiles"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/store"
)

// Deps are the collaborators built-in skills need.
type Deps struct {
	Store    *store.Store
	Profiles *profiles.DeviceProfiles
	// Registry is read by the function summary; it may be the registry being populated.
	Registry *skills.Registry
	Config   config.FunctionsConfig
	HTTP     *http.Client
	Streamer Streamer
	Now      func() time.Time
	Rand     *rand.Rand
	Logger   *slog.Logger
}

type env struct {
	Deps
	content *Content
	logger  *slog.Logger
}

func newEnv(d Deps) (*env, error) {
	if d.Store == nil {
		return nil, fmt.Errorf("functions: store is required")
	}
	if d.Profiles == nil {
		return nil, fmt.Errorf("functions: device profiles are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.HTTP == nil {
		d.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x7061726c6f))
	}
	if d.Streamer == nil {
		d.Streamer = NewFFmpegStreamer(d.Config.Radio, d.Logger)
	}
	content, err := LoadContent(d.Config.ContentDir)
	if err != nil {
		return nil, err
	}
	return &env{Deps: d, content: content, logger: d.Logger.With("component", "functions")}, nil
}

// Register adds every built-in function to reg.
func Register(reg *skills.Registry, d Deps) error {
	e, err := newEnv(d)
	if err != nil {
		return err
	}
	if e.Registry == nil {
		e.Registry = reg
	}

	groups := [][]skills.RegisteredFunction{
		e.systemFunctions(),
		e.radioFunctions(),
		e.weatherFunctions(),
		e.timerFunctions(),
		e.reminderFunctions(),
		e.profileFunctions(),
		e.translatorFunctions(),
		e.quizFunctions(),
		e.recipeFunctions(),
		e.phraseFunctions(),
		e.toolFunctions(),
	}
	n := 0
	for _, group := range groups {
		for _, fn := range group {
			if err := reg.Register(fn); err != nil {
				return err
			}
			n++
		}
	}
	e.logger.Info("built-in functions registered", "count", n)
	return nil
}

// pick returns a random element of items.
func (e *env) pick(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[e.Rand.IntN(len(items))]
}
