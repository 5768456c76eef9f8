package router

import "time"

// Config holds the classifier configuration.
type Config struct {
	// InterruptMaxWords bounds the length of a global-interrupt utterance.
	InterruptMaxWords int `json:"interruptMaxWords"`

	// InterruptWords are the terse stop/cancel words that always win.
	InterruptWords []string `json:"interruptWords"`

	// HistoryTurns is how many prior turns the model prompt includes.
	HistoryTurns int `json:"historyTurns"`

	// ModelTimeout bounds the fallback model call, independently of the turn's cancellation.
	ModelTimeout time.Duration `json:"modelTimeout"`

	// MaxTokens and Temperature are passed to the intent model.
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`

	// Breaker configures the circuit breaker around the model call.
	Breaker BreakerConfig `json:"breaker"`

	// LogDecisions logs each classification at INFO level.
	LogDecisions bool `json:"logDecisions"`
}

// BreakerConfig configures the model circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `json:"openTimeout"`
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32 `json:"halfOpenRequests"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		InterruptMaxWords: 3,
		InterruptWords:    []string{"stop", "basta", "ferma", "fermati", "smetti", "esci", "annulla", "zitto", "silenzio"},
		HistoryTurns:      4,
		ModelTimeout:      4 * time.Second,
		MaxTokens:         200,
		Temperature:       0,
		Breaker: BreakerConfig{
			ConsecutiveFailures: 3,
			OpenTimeout:         30 * time.Second,
			HalfOpenRequests:    1,
		},
		LogDecisions: false,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InterruptMaxWords <= 0 {
		c.InterruptMaxWords = def.InterruptMaxWords
	}
	if len(c.InterruptWords) == 0 {
		c.InterruptWords = def.InterruptWords
	}
	if c.HistoryTurns < 0 {
		c.HistoryTurns = 0
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = def.ModelTimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = def.Breaker.ConsecutiveFailures
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = def.Breaker.OpenTimeout
	}
	if c.Breaker.HalfOpenRequests == 0 {
		c.Breaker.HalfOpenRequests = def.Breaker.HalfOpenRequests
	}
	return c
}
