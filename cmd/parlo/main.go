package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/clawinfra/parlo/internal/api"
	"github.com/clawinfra/parlo/internal/channels"
	"github.com/clawinfra/parlo/internal/config"
	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/dispatch"
	"github.com/clawinfra/parlo/internal/functions"
	"github.com/clawinfra/parlo/internal/journal"
	"github.com/clawinfra/parlo/internal/metrics"
	"github.com/clawinfra/parlo/internal/models"
	"github.com/clawinfra/parlo/internal/orchestrator"
	"github.com/clawinfra/parlo/internal/profiles"
	"github.com/clawinfra/parlo/internal/router"
	"github.com/clawinfra/parlo/internal/scheduler"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/store"
	"github.com/clawinfra/parlo/internal/types"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components
type App struct {
	Config        *config.Config
	ConfigPath    string
	Logger        *slog.Logger
	LogLevel      *slog.LevelVar
	logCloser     io.Closer
	Store         *store.Store
	Devices       *profiles.DeviceProfiles
	Registry      *skills.Registry
	Models        *models.Router
	Router        *router.Router
	Dispatcher    *dispatch.Dispatcher
	Arena         *dialogue.Arena
	Orchestrator  *orchestrator.Orchestrator
	Metrics       *metrics.Metrics
	Journal       *journal.Journal
	Scheduler     *scheduler.Scheduler
	Console       *channels.ConsoleChannel
	APIServer     *api.Server
	watcher       *config.Watcher
	consoleDevice string
	cache         router.Cache
	apiContext    context.Context
	apiCancel     context.CancelFunc
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "token":
			return tokenCommand(args[1:])
		case "hash-key":
			return hashKeyCommand(args[1:])
		case "start":
			args = args[1:]
		}
	}

	fs := flag.NewFlagSet("parlo", flag.ExitOnError)
	configPath := fs.String("config", "parlo.json", "Path to config file")
	console := fs.Bool("console", false, "Talk to the assistant from this terminal")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 2
	}

	if *showVersion {
		fmt.Printf("Parlo v%s (built %s)\n", version, buildTime)
		fmt.Println("Italian voice assistant: intent resolution and skill dispatch")
		return 0
	}

	app, err := setup(*configPath, *console)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		shutdown(app)
		return 1
	}

	if app.Console == nil {
		printBanner(app)
	}

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// setup initializes all application components
func setup(configPath string, console bool) (*App, error) {
	app := &App{ConfigPath: configPath, LogLevel: new(slog.LevelVar)}
	app.Logger = newLogger(os.Stderr, "text", app.LogLevel)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg
	app.consoleDevice = consoleDevice(cfg.Channels.Console, console)

	// The console owns the terminal, so logs go to a file.
	var out io.Writer = os.Stderr
	format := cfg.Server.LogFormat
	if app.consoleDevice != "" {
		f, err := os.OpenFile(cfg.DataPath("parlo-console.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, app.logCloser, format = f, f, "json"
	}
	app.LogLevel.Set(parseLogLevel(cfg.Server.LogLevel))
	app.Logger = newLogger(out, format, app.LogLevel)
	slog.SetDefault(app.Logger)

	app.Logger.Info("starting Parlo", "version", version, "config", configPath)

	app.Store, err = store.New(cfg.DataPath("devices"), app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	catalog, err := profiles.LoadCatalog(cfg.Profiles.Path)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	app.Devices = profiles.NewDeviceProfiles(app.Store, catalog, app.Logger)

	if err := setupRegistry(app, catalog); err != nil {
		return nil, err
	}

	app.Models, err = models.NewRouterFromConfig(cfg.Models, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("register providers: %w", err)
	}

	app.Metrics = metrics.New()

	if err := setupRouter(app, catalog); err != nil {
		return nil, err
	}

	app.Dispatcher = dispatch.New(app.Registry, app.Logger, dispatch.WithObserver(app.Metrics.ObserveAction))
	app.Arena = dialogue.NewArena(dialogue.Options{
		HistoryTurns: cfg.Dialogue.HistoryTurns,
		MaxTasks:     cfg.Dialogue.MaxTasks,
		Profile:      catalog.Default(),
	}, app.Logger)
	app.Metrics.TrackGauge("dialogue_contexts", "Open dialogue contexts.", func() float64 {
		return float64(app.Arena.Len())
	})

	if cfg.Journal.Enabled {
		path := cfg.Journal.Path
		if path == "" {
			path = cfg.DataPath("journal.db")
		}
		app.Journal, err = journal.Open(path, app.Logger)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithDeviceProfiles(app.Devices),
		orchestrator.WithTurnObserver(app.Metrics.ObserveTurn),
	}
	if len(cfg.Models.Providers) > 0 {
		orchOpts = append(orchOpts, orchestrator.WithChatModel(app.Models.Bind(cfg.Models.Chat, cfg.Models.Fallback...)))
	}
	if app.Journal != nil {
		orchOpts = append(orchOpts, orchestrator.WithJournal(app.Journal))
	}
	app.Orchestrator = orchestrator.New(orchestrator.Config{
		SystemPrompt: cfg.Models.SystemPrompt,
		MaxTokens:    cfg.Classifier.MaxTokens,
	}, app.Arena, app.Router, app.Dispatcher, app.Logger, orchOpts...)

	apiOpts := []api.Option{
		api.WithOnline(app.Orchestrator),
		api.WithMetrics(app.Metrics.Handler()),
		api.WithModels(app.Models),
	}
	if err := registerChannels(app, &apiOpts); err != nil {
		return nil, fmt.Errorf("register channels: %w", err)
	}

	if cfg.Scheduler.Enabled {
		app.Scheduler = setupScheduler(app)
		apiOpts = append(apiOpts, api.WithScheduler(app.Scheduler))
	}
	if app.Journal != nil {
		apiOpts = append(apiOpts, api.WithJournal(app.Journal))
	}
	if cfg.Security.JWTSecret != "" {
		apiOpts = append(apiOpts, api.WithAuth(
			cfg.Security.JWTSecret,
			cfg.Security.AdminKey,
			time.Duration(cfg.Security.TokenTTLHours)*time.Hour,
		))
	}

	api.Version = version
	app.APIServer = api.NewServer(cfg.Server.Port, app.Registry, app.Devices, app.Router, app.Logger, apiOpts...)

	app.watcher = config.NewWatcher(configPath, 5*time.Second, app.Logger, func() { reloadConfig(app) })
	return app, nil
}

// setupRegistry registers the built-in functions, then the external command
// skills, and freezes the registry.
func setupRegistry(app *App, catalog *profiles.Catalog) error {
	cfg := app.Config
	app.Registry = skills.NewRegistry(app.Logger)
	err := functions.Register(app.Registry, functions.Deps{
		Store:    app.Store,
		Profiles: app.Devices,
		Config:   cfg.Functions,
		Logger:   app.Logger,
	})
	if err != nil {
		return fmt.Errorf("register functions: %w", err)
	}

	dir := cfg.Skills.Dir
	if dir == "" {
		dir = skills.DefaultSkillsDir()
	}
	loader := skills.NewLoader(dir, time.Duration(cfg.Skills.TimeoutSec)*time.Second, app.Logger)
	loaded, err := loader.LoadAll()
	if err != nil {
		app.Logger.Warn("failed to load skills", "dir", dir, "error", err)
	} else if n := skills.RegisterExternal(app.Registry, loaded, skills.NewExecutor(app.Logger), app.Logger); n > 0 {
		app.Logger.Info("external skills loaded", "tools", n)
		if lost := catalog.Unreached(externalFunctions(app.Registry)); len(lost) > 0 {
			app.Logger.Warn("external functions are in no profile and will never be classified; list them in a profile of the profiles file",
				"functions", lost, "profiles", cfg.Profiles.Path)
		}
	}

	app.Registry.Freeze()
	return nil
}

func externalFunctions(reg *skills.Registry) []types.FunctionName {
	var out []types.FunctionName
	for _, fn := range reg.Functions() {
		if fn.Source != "builtin" {
			out = append(out, fn.Name)
		}
	}
	return out
}

// setupRouter builds the intent router with its cache and model stage.
func setupRouter(app *App, catalog *profiles.Catalog) error {
	cfg := app.Config
	rc := router.DefaultConfig()
	rc.InterruptMaxWords = cfg.Classifier.InterruptMaxWords
	if len(cfg.Classifier.InterruptWords) > 0 {
		rc.InterruptWords = cfg.Classifier.InterruptWords
	}
	rc.HistoryTurns = cfg.Classifier.HistoryTurns
	rc.ModelTimeout = time.Duration(cfg.Classifier.ModelTimeoutMs) * time.Millisecond
	rc.MaxTokens = cfg.Classifier.MaxTokens
	rc.Temperature = cfg.Classifier.Temperature
	rc.LogDecisions = cfg.Classifier.LogDecisions
	if cfg.Classifier.BreakerFailures > 0 {
		rc.Breaker.ConsecutiveFailures = cfg.Classifier.BreakerFailures
	}
	if cfg.Classifier.BreakerOpenSec > 0 {
		rc.Breaker.OpenTimeout = time.Duration(cfg.Classifier.BreakerOpenSec) * time.Second
	}

	opts := []router.Option{router.WithObserver(app.Metrics.ObserveDecision)}
	if len(cfg.Models.Providers) > 0 {
		opts = append(opts, router.WithModel(app.Models.Bind(cfg.Models.Intent, cfg.Models.Fallback...)))
	} else {
		app.Logger.Warn("no model providers configured, unmatched utterances go to continue_chat")
	}

	ttl := time.Duration(cfg.Cache.TTLSec) * time.Second
	switch cfg.Cache.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisCache, err := router.NewRedisCache(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisDB, ttl, app.Logger)
		cancel()
		if err != nil {
			app.Logger.Warn("redis cache unavailable, using memory cache", "addr", cfg.Cache.RedisAddr, "error", err)
			app.cache = router.NewLocalCache(ttl, cfg.Cache.MaxEntries)
		} else {
			app.cache = redisCache
		}
	case "off":
	default:
		app.cache = router.NewLocalCache(ttl, cfg.Cache.MaxEntries)
	}
	if app.cache != nil {
		opts = append(opts, router.WithCache(app.cache))
	}

	app.Router = router.New(rc, app.Registry, catalog, app.Logger, opts...)
	return nil
}

// registerChannels registers device transports to the orchestrator
func registerChannels(app *App, apiOpts *[]api.Option) error {
	cfg := app.Config

	if cfg.Channels.WebSocket == nil || cfg.Channels.WebSocket.Enabled {
		ws := channels.NewWSChannel(app.Logger)
		app.Orchestrator.RegisterChannel(ws)
		*apiOpts = append(*apiOpts, api.WithWebSocket(ws))
	}

	if cfg.MQTT.Enabled {
		app.Logger.Info("enabling mqtt channel", "host", cfg.MQTT.Host, "port", cfg.MQTT.Port)
		app.Orchestrator.RegisterChannel(channels.NewMQTT(cfg.MQTT, app.Logger))
	}

	if app.consoleDevice != "" {
		var console *channels.ConsoleChannel
		console = channels.NewConsole(app.consoleDevice, app.Logger, func() channels.ConsoleStatus {
			return consoleStatus(app.Arena, console.ConnID())
		})
		app.Console = console
		app.Orchestrator.RegisterChannel(console)
	}
	return nil
}

// consoleDevice is the device the console speaks as, or "" when the
// console is off. The -console flag enables it regardless of the config.
func consoleDevice(c *config.ConsoleConfig, force bool) string {
	if !force && (c == nil || !c.Enabled) {
		return ""
	}
	if c != nil && c.DeviceID != "" {
		return c.DeviceID
	}
	return "console"
}

func consoleStatus(arena *dialogue.Arena, connID string) channels.ConsoleStatus {
	dc, ok := arena.Get(connID)
	if !ok {
		return channels.ConsoleStatus{}
	}
	st := channels.ConsoleStatus{Profile: dc.Profile(), Turns: dc.History.Len()}
	if s := dc.Session(); s != nil {
		st.Session = s.Describe()
	}
	for _, t := range dc.Tasks() {
		st.Tasks = append(st.Tasks, t.Label)
	}
	return st
}

// setupScheduler wires reminder delivery, configured announcements and
// journal retention.
func setupScheduler(app *App) *scheduler.Scheduler {
	cfg := app.Config
	sched := scheduler.NewScheduler(app.Orchestrator, app.Logger)

	every := time.Duration(cfg.Scheduler.ReminderPollSec) * time.Second
	if err := sched.AddJob(scheduler.ReminderJob(app.Store, app.Orchestrator, every, app.Logger)); err != nil {
		app.Logger.Error("failed to add reminder job", "error", err)
	}
	if n := sched.LoadAnnouncements(cfg.Scheduler.Announcements); n > 0 {
		app.Logger.Info("announcements scheduled", "count", n)
	}

	if app.Journal != nil && cfg.Journal.RetainDays > 0 {
		retain := time.Duration(cfg.Journal.RetainDays) * 24 * time.Hour
		err := sched.AddJob(&scheduler.Job{
			ID:       "journal-prune",
			Name:     "Prune turn journal",
			Enabled:  true,
			Schedule: scheduler.ScheduleConfig{Kind: "cron", Expr: "30 3 * * *"},
			Action: scheduler.ActionConfig{Kind: "task", Task: func(ctx context.Context) error {
				n, err := app.Journal.Prune(ctx, time.Now().Add(-retain))
				if err == nil && n > 0 {
					app.Logger.Info("journal pruned", "turns", n)
				}
				return err
			}},
		})
		if err != nil {
			app.Logger.Error("failed to add journal prune job", "error", err)
		}
	}
	return sched
}

// reloadConfig applies hot-reloadable changes from the config file.
func reloadConfig(app *App) {
	res, err := app.Config.Reload(app.ConfigPath)
	if err != nil {
		app.Logger.Error("config reload failed", "error", err)
		return
	}
	res.Report(app.Logger)

	config.RLock()
	defer config.RUnlock()
	cfg := app.Config
	if res.Has("Server.LogLevel") {
		app.LogLevel.Set(parseLogLevel(cfg.Server.LogLevel))
	}
	if res.Has("Models") {
		app.Orchestrator.SetSystemPrompt(cfg.Models.SystemPrompt)
	}
	if res.Has("Classifier") {
		app.Router.SetModelTimeout(time.Duration(cfg.Classifier.ModelTimeoutMs) * time.Millisecond)
		app.Router.SetHistoryTurns(cfg.Classifier.HistoryTurns)
	}
	if res.Has("Dialogue") {
		app.Arena.SetLimits(cfg.Dialogue.HistoryTurns, cfg.Dialogue.MaxTasks)
	}
	if res.Has("Scheduler") && app.Scheduler != nil {
		every := time.Duration(cfg.Scheduler.ReminderPollSec) * time.Second
		if err := app.Scheduler.UpdateJob(scheduler.ReminderJob(app.Store, app.Orchestrator, every, app.Logger)); err != nil {
			app.Logger.Warn("reminder job not updated", "error", err)
		}
		app.Scheduler.LoadAnnouncements(cfg.Scheduler.Announcements)
	}
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startServices starts all services
func startServices(app *App) error {
	if err := app.Orchestrator.Start(); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	app.apiContext, app.apiCancel = context.WithCancel(context.Background())
	go func() {
		if err := app.APIServer.Start(app.apiContext); err != nil {
			app.Logger.Error("API server error", "error", err)
		}
	}()

	if app.Scheduler != nil {
		if err := app.Scheduler.Start(app.apiContext); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	app.watcher.Start()
	return nil
}

// printBanner displays the startup banner
func printBanner(app *App) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════╗")
	fmt.Println("  ║        🇮🇹 Parlo v" + version + "               ║")
	fmt.Println("  ║  Assistente vocale italiano           ║")
	fmt.Println("  ╚═══════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  🌐 API: http://localhost:%d\n", app.Config.Server.Port)
	fmt.Printf("  🔌 Devices: ws://localhost:%d/ws?device=<id>\n", app.Config.Server.Port)
	fmt.Printf("  🧩 Functions: %d registered\n", app.Registry.Len())
	fmt.Printf("  🧠 Models: %d available\n", len(app.Models.ListModels()))
	fmt.Printf("  💾 Data: %s\n", filepath.Clean(app.Config.Server.DataDir))
	fmt.Println()
}

// waitForShutdown waits for a termination signal, or for the console to be
// closed, and performs graceful shutdown
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	var consoleDone <-chan struct{}
	if app.Console != nil {
		consoleDone = app.Console.Done()
	}

loop:
	for {
		select {
		case sig := <-sigCh:
			if handlePlatformSignal(sig, app) {
				continue
			}
			app.Logger.Info("shutdown signal received", "signal", sig)
			break loop
		case <-consoleDone:
			app.Logger.Info("console closed")
			break loop
		}
	}

	return shutdown(app)
}

func shutdown(app *App) error {
	if app.watcher != nil {
		app.watcher.Stop()
	}
	if app.Scheduler != nil {
		app.Scheduler.Stop()
	}
	if app.apiCancel != nil {
		app.apiCancel()
	}

	err := app.Orchestrator.Stop()
	if err != nil {
		err = fmt.Errorf("stop orchestrator: %w", err)
	}

	if app.Journal != nil {
		if cerr := app.Journal.Close(); cerr != nil {
			app.Logger.Error("failed to close journal", "error", cerr)
		}
	}
	if c, ok := app.cache.(io.Closer); ok {
		_ = c.Close()
	}

	app.Logger.Info("Parlo stopped")
	if app.logCloser != nil {
		_ = app.logCloser.Close()
	}
	return err
}
