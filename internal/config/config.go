package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all Parlo configuration
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// MQTT broker for device speakers
	MQTT MQTTConfig `json:"mqtt"`

	// Channel configurations
	Channels ChannelConfig `json:"channels"`

	// LLM provider settings
	Models ModelsConfig `json:"models"`

	// Intent classifier tuning
	Classifier ClassifierConfig `json:"classifier"`

	// Classification cache
	Cache CacheConfig `json:"cache"`

	// Per-connection dialogue state
	Dialogue DialogueConfig `json:"dialogue"`

	// Profile catalog overrides
	Profiles ProfilesConfig `json:"profiles"`

	// External command skills
	Skills SkillsConfig `json:"skills"`

	// Built-in function settings
	Functions FunctionsConfig `json:"functions"`

	// Device token settings
	Security SecurityConfig `json:"security"`

	// Turn journal
	Journal JournalConfig `json:"journal"`

	// Scheduled announcements
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
}

type ServerConfig struct {
	Port      int    `json:"port"`
	DataDir   string `json:"dataDir"`
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"` // "text" or "json"
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Port        int    `json:"port"`
	Host        string `json:"host"`
	ClientID    string `json:"clientId,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topicPrefix"`
}

type ChannelConfig struct {
	WebSocket *WebSocketConfig `json:"websocket,omitempty"`
	Console   *ConsoleConfig   `json:"console,omitempty"`
}

type WebSocketConfig struct {
	Enabled bool `json:"enabled"`
}

type ConsoleConfig struct {
	Enabled  bool   `json:"enabled"`
	DeviceID string `json:"deviceId"`
}

type ModelsConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
	// Intent is the provider/model used by the fallback classifier.
	Intent string `json:"intent"`
	// Chat is the provider/model used for open conversation and phrasing.
	Chat string `json:"chat"`
	// Fallback models tried in order when the primary fails.
	Fallback []string `json:"fallback,omitempty"`
	// SystemPrompt is the assistant persona used for chat and phrasing.
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

type ProviderConfig struct {
	// Kind selects the wire protocol: "openai", "ollama" or "anthropic".
	// Defaults to the provider name.
	Kind    string  `json:"kind,omitempty"`
	BaseURL string  `json:"baseUrl"`
	APIKey  string  `json:"apiKey"`
	Models  []Model `json:"models"`
}

type Model struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ContextWindow int     `json:"contextWindow"`
	CostInput     float64 `json:"costInput"`  // per million tokens
	CostOutput    float64 `json:"costOutput"` // per million tokens
}

type ClassifierConfig struct {
	InterruptMaxWords int      `json:"interruptMaxWords"`
	InterruptWords    []string `json:"interruptWords,omitempty"`
	HistoryTurns      int      `json:"historyTurns"`
	ModelTimeoutMs    int      `json:"modelTimeoutMs"`
	MaxTokens         int      `json:"maxTokens"`
	Temperature       float64  `json:"temperature"`
	// Breaker opens after this many consecutive model failures.
	BreakerFailures uint32 `json:"breakerFailures"`
	BreakerOpenSec  int    `json:"breakerOpenSec"`
	LogDecisions    bool   `json:"logDecisions"`
}

type CacheConfig struct {
	// Backend is "memory", "redis" or "off".
	Backend    string `json:"backend"`
	RedisAddr  string `json:"redisAddr,omitempty"`
	RedisDB    int    `json:"redisDb,omitempty"`
	TTLSec     int    `json:"ttlSec"`
	MaxEntries int    `json:"maxEntries"`
}

type DialogueConfig struct {
	HistoryTurns int `json:"historyTurns"`
	MaxTasks     int `json:"maxTasks"`
}

type ProfilesConfig struct {
	// Path to a profiles.toml overriding the built-in catalog.
	Path string `json:"path,omitempty"`
}

type SkillsConfig struct {
	Dir        string `json:"dir,omitempty"`
	TimeoutSec int    `json:"timeoutSec"`
}

type FunctionsConfig struct {
	Weather WeatherConfig `json:"weather"`
	Radio   RadioConfig   `json:"radio"`
	// ContentDir holds optional YAML overrides for stations, quiz and phrase books.
	ContentDir string `json:"contentDir,omitempty"`
}

type WeatherConfig struct {
	BaseURL     string `json:"baseUrl"`
	GeocodeURL  string `json:"geocodeUrl"`
	DefaultCity string `json:"defaultCity"`
}

type RadioConfig struct {
	FFmpegPath   string `json:"ffmpegPath"`
	ChunkSeconds int    `json:"chunkSeconds"`
	MaxChunks    int    `json:"maxChunks"`
}

type SecurityConfig struct {
	// JWTSecret signs device tokens. Empty disables authentication.
	JWTSecret     string `json:"jwtSecret,omitempty"`
	TokenTTLHours int    `json:"tokenTtlHours"`
	// AdminKey must be presented to mint tokens.
	AdminKey string `json:"adminKey,omitempty"`
}

type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
	// RetainDays prunes turns older than this; zero keeps everything.
	RetainDays int `json:"retainDays"`
}

type SchedulerConfig struct {
	Enabled         bool                 `json:"enabled"`
	ReminderPollSec int                  `json:"reminderPollSec"`
	Announcements   []AnnouncementConfig `json:"announcements,omitempty"`
}

// AnnouncementConfig speaks Text on the listed devices on a cron schedule.
type AnnouncementConfig struct {
	ID      string   `json:"id"`
	Cron    string   `json:"cron"`
	Text    string   `json:"text"`
	Devices []string `json:"devices,omitempty"` // empty means every connected device
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      8420,
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		MQTT: MQTTConfig{
			Port:        1883,
			Host:        "localhost",
			ClientID:    "parlo",
			TopicPrefix: "parlo",
		},
		Channels: ChannelConfig{
			WebSocket: &WebSocketConfig{Enabled: true},
		},
		Models: ModelsConfig{
			Intent:       "ollama/qwen2.5:3b",
			Chat:         "ollama/qwen2.5:7b",
			SystemPrompt: "Sei Parlo, un assistente vocale italiano cordiale. Rispondi in italiano con frasi brevi e naturali, adatte a essere lette ad alta voce. Niente elenchi puntati né markdown.",
		},
		Classifier: ClassifierConfig{
			InterruptMaxWords: 3,
			HistoryTurns:      4,
			ModelTimeoutMs:    4000,
			MaxTokens:         200,
			BreakerFailures:   3,
			BreakerOpenSec:    30,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			TTLSec:     600,
			MaxEntries: 2048,
		},
		Dialogue: DialogueConfig{
			HistoryTurns: 20,
			MaxTasks:     8,
		},
		Skills: SkillsConfig{
			TimeoutSec: 10,
		},
		Functions: FunctionsConfig{
			Weather: WeatherConfig{
				BaseURL:     "https://api.open-meteo.com/v1/forecast",
				GeocodeURL:  "https://geocoding-api.open-meteo.com/v1/search",
				DefaultCity: "roma",
			},
			Radio: RadioConfig{
				FFmpegPath:   "ffmpeg",
				ChunkSeconds: 10,
				MaxChunks:    60,
			},
		},
		Security: SecurityConfig{
			TokenTTLHours: 24 * 30,
		},
		Journal: JournalConfig{
			Enabled:    true,
			RetainDays: 30,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			ReminderPollSec: 15,
		},
	}
}

// Load reads config from a JSON file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Cache.Backend {
	case "", "memory", "off":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache backend redis requires redisAddr")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	for _, a := range c.Scheduler.Announcements {
		if a.Cron == "" || a.Text == "" {
			return fmt.Errorf("announcement %q needs cron and text", a.ID)
		}
	}
	return nil
}

// Save writes config to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

// DataPath joins name onto the data directory.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.Server.DataDir, name)
}
