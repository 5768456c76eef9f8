// Package orchestrator drives dialogue turns: it reads messages from device
// channels, runs each connection's utterances strictly in order through the
// classifier and dispatcher, and sends the resulting replies back out.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/dispatch"
	"github.com/clawinfra/parlo/internal/models"
	"github.com/clawinfra/parlo/internal/profiles"
	"github.com/clawinfra/parlo/internal/router"
	"github.com/clawinfra/parlo/internal/types"
)

// Channel is the interface for all device transports
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, reply types.Reply) error
	Receive() <-chan types.Message
}

// Classifier resolves an utterance to a function call.
type Classifier interface {
	Classify(ctx context.Context, dc *dialogue.Context, u types.Utterance) router.Decision
}

// ChatModel phrases RequestModelPhrasing outcomes.
type ChatModel interface {
	Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
}

// Journal records finished turns.
type Journal interface {
	Record(ctx context.Context, t *dispatch.Turn) error
}

// TurnObserver is notified of every finished turn.
type TurnObserver func(t *dispatch.Turn)

// Config tunes the turn driver.
type Config struct {
	// QueueSize bounds each connection's pending utterances.
	QueueSize int
	// HistoryTurns is how much history the chat model sees.
	HistoryTurns int
	SystemPrompt string
	ChatTimeout  time.Duration
	MaxTokens    int
	Temperature  float64
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 8
	}
	if c.ChatTimeout <= 0 {
		c.ChatTimeout = 20 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 300
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	return c
}

// Orchestrator is the turn driver.
type Orchestrator struct {
	cfg        Config
	arena      *dialogue.Arena
	classifier Classifier
	dispatcher *dispatch.Dispatcher
	chat       ChatModel
	profiles   *profiles.DeviceProfiles
	journal    Journal
	observer   TurnObserver
	logger     *slog.Logger

	systemPrompt atomic.Value // string

	channels map[string]Channel
	conns    map[string]*conn
	inbox    chan types.Message
	outbox   chan types.Reply
	mu       sync.RWMutex
	workers  sync.WaitGroup
	loops    sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithChatModel sets the model used for RequestModelPhrasing.
func WithChatModel(m ChatModel) Option {
	return func(o *Orchestrator) { o.chat = m }
}

// WithDeviceProfiles restores each device's persisted profile on connect.
func WithDeviceProfiles(p *profiles.DeviceProfiles) Option {
	return func(o *Orchestrator) { o.profiles = p }
}

// WithJournal records every finished turn.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithTurnObserver registers a turn observer.
func WithTurnObserver(f TurnObserver) Option {
	return func(o *Orchestrator) { o.observer = f }
}

// New creates a new Orchestrator
func New(cfg Config, arena *dialogue.Arena, classifier Classifier, dispatcher *dispatch.Dispatcher, logger *slog.Logger, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		arena:      arena,
		classifier: classifier,
		dispatcher: dispatcher,
		logger:     logger.With("component", "orchestrator"),
		channels:   make(map[string]Channel),
		conns:      make(map[string]*conn),
		inbox:      make(chan types.Message, 1000),
		outbox:     make(chan types.Reply, 1000),
		ctx:        ctx,
		cancel:     cancel,
	}
	o.systemPrompt.Store(cfg.SystemPrompt)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterChannel adds a device channel
func (o *Orchestrator) RegisterChannel(ch Channel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.channels[ch.Name()] = ch
	o.logger.Info("channel registered", "name", ch.Name())
}

// SetSystemPrompt replaces the chat persona at runtime.
func (o *Orchestrator) SetSystemPrompt(p string) {
	o.systemPrompt.Store(p)
}

// Arena returns the dialogue contexts of open connections.
func (o *Orchestrator) Arena() *dialogue.Arena { return o.arena }

// Start begins the orchestrator loop
func (o *Orchestrator) Start() error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	o.logger.Info("starting parlo orchestrator", "channels", len(o.channels))

	for name, ch := range o.channels {
		o.logger.Info("starting channel", "name", name)
		if err := ch.Start(o.ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", name, err)
		}
	}

	o.loops.Add(2)
	go o.routeIncoming()
	go o.routeOutgoing()

	for _, ch := range o.channels {
		o.loops.Add(1)
		go o.receiveFrom(ch)
	}

	o.logger.Info("parlo orchestrator running")
	return nil
}

// Stop ends every connection and shuts the channels down.
func (o *Orchestrator) Stop() error {
	o.logger.Info("stopping parlo orchestrator")
	o.cancel()
	o.loops.Wait()

	o.mu.Lock()
	for id, c := range o.conns {
		close(c.queue)
		delete(o.conns, id)
	}
	o.mu.Unlock()
	o.workers.Wait()

	o.mu.RLock()
	defer o.mu.RUnlock()
	for name, ch := range o.channels {
		if err := ch.Stop(); err != nil {
			o.logger.Error("error stopping channel", "name", name, "error", err)
		}
	}
	return nil
}

// Deliver injects a message as if a channel had received it.
func (o *Orchestrator) Deliver(ctx context.Context, msg types.Message) error {
	select {
	case o.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.ctx.Done():
		return o.ctx.Err()
	}
}

// receiveFrom pipes messages from a channel into the inbox
func (o *Orchestrator) receiveFrom(ch Channel) {
	defer o.loops.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			if msg.Channel == "" {
				msg.Channel = ch.Name()
			}
			select {
			case o.inbox <- msg:
			case <-o.ctx.Done():
				return
			}
		}
	}
}

// routeIncoming hands each message to its connection's worker.
func (o *Orchestrator) routeIncoming() {
	defer o.loops.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case msg := <-o.inbox:
			o.route(msg)
		}
	}
}

// routeOutgoing sends replies back through channels
func (o *Orchestrator) routeOutgoing() {
	defer o.loops.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case reply := <-o.outbox:
			o.mu.RLock()
			ch, ok := o.channels[reply.Channel]
			o.mu.RUnlock()

			if !ok {
				o.logger.Error("unknown channel for reply", "channel", reply.Channel, "device", reply.DeviceID)
				continue
			}
			if err := ch.Send(o.ctx, reply); err != nil {
				o.logger.Error("error sending reply",
					"channel", reply.Channel,
					"device", reply.DeviceID,
					"error", err,
				)
			}
		}
	}
}

// send queues a reply behind everything already queued for the channels.
func (o *Orchestrator) send(ctx context.Context, reply types.Reply) error {
	select {
	case o.outbox <- reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.ctx.Done():
		return o.ctx.Err()
	}
}

// Announce speaks text on every open connection of deviceID and returns how
// many connections it reached.
func (o *Orchestrator) Announce(ctx context.Context, deviceID, display, spoken string) int {
	n := 0
	for _, dc := range o.arena.ForDevice(deviceID) {
		if err := dc.Playback().Speak(ctx, display, spoken); err != nil {
			o.logger.Warn("announcement not delivered", "device", deviceID, "conn", dc.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

// Devices lists the devices with at least one open connection.
func (o *Orchestrator) Devices() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range o.arena.IDs() {
		dc, ok := o.arena.Get(id)
		if !ok || seen[dc.DeviceID] {
			continue
		}
		seen[dc.DeviceID] = true
		out = append(out, dc.DeviceID)
	}
	return out
}
