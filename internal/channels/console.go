package channels

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/clawinfra/parlo/internal/types"
)

// ConsoleStatus is what the status line shows about the console's
// connection.
type ConsoleStatus struct {
	Profile string
	Session string
	Tasks   []string
	Turns   int
}

// ConsoleChannel is a typed stand-in for a speaker: each line entered in the
// terminal is an utterance of one device, and replies are shown as the
// speaker would say them.
type ConsoleChannel struct {
	logger   *slog.Logger
	deviceID string
	inbox    chan types.Message
	program  atomic.Pointer[tea.Program]
	status   func() ConsoleStatus
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConsole creates a console channel speaking as deviceID. status is
// polled once a second for the status line and may be nil.
func NewConsole(deviceID string, logger *slog.Logger, status func() ConsoleStatus) *ConsoleChannel {
	if deviceID == "" {
		deviceID = "console"
	}
	return &ConsoleChannel{
		logger:   logger.With("channel", "console"),
		deviceID: deviceID,
		inbox:    make(chan types.Message, 100),
		status:   status,
		done:     make(chan struct{}),
	}
}

func (c *ConsoleChannel) Name() string { return "console" }

// DeviceID is the device the console speaks as.
func (c *ConsoleChannel) DeviceID() string { return c.deviceID }

// ConnID is the dialogue connection of the console.
func (c *ConsoleChannel) ConnID() string { return c.Name() + "/" + c.deviceID }

// Done is closed when the user quits.
func (c *ConsoleChannel) Done() <-chan struct{} { return c.done }

// Start takes over the terminal. The program runs until the user quits or
// ctx is cancelled.
func (c *ConsoleChannel) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	p := tea.NewProgram(newConsoleView(c), tea.WithAltScreen(), tea.WithContext(ctx))
	c.program.Store(p)

	c.emit(types.KindHello, "")
	go func() {
		defer close(c.done)
		defer c.cancel()
		if _, err := p.Run(); err != nil && ctx.Err() == nil {
			c.logger.Error("console exited with error", "error", err)
		}
	}()
	c.logger.Info("console channel started", "device", c.deviceID)
	return nil
}

func (c *ConsoleChannel) Stop() error {
	if p := c.program.Load(); p != nil {
		p.Quit()
	}
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send hands a reply to the view. Before Start it is dropped.
func (c *ConsoleChannel) Send(_ context.Context, r types.Reply) error {
	if p := c.program.Load(); p != nil {
		p.Send(replyMsg{reply: r})
	}
	return nil
}

func (c *ConsoleChannel) Receive() <-chan types.Message { return c.inbox }

func (c *ConsoleChannel) sendUtterance(text string) { c.emit(types.KindUtterance, text) }

func (c *ConsoleChannel) emit(kind types.MessageKind, text string) {
	msg := types.Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Channel:   c.Name(),
		DeviceID:  c.deviceID,
		Text:      text,
		Timestamp: time.Now(),
	}
	select {
	case c.inbox <- msg:
	default:
		c.logger.Warn("console inbox full, dropping message", "kind", kind)
	}
}
