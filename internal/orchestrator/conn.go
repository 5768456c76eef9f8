package orchestrator

import (
	"context"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/types"
)

// conn is one connection's FIFO of pending messages. A single worker drains
// it, so turns of the same connection never overlap.
type conn struct {
	id       string
	channel  string
	deviceID string
	queue    chan types.Message
	dc       *dialogue.Context
}

// route runs on the routeIncoming goroutine only.
func (o *Orchestrator) route(msg types.Message) {
	if msg.DeviceID == "" {
		o.logger.Warn("message without device id dropped", "channel", msg.Channel, "id", msg.ID)
		return
	}
	id := msg.ConnID()

	o.mu.Lock()
	c, ok := o.conns[id]
	if msg.Kind == types.KindBye {
		if ok {
			delete(o.conns, id)
			close(c.queue)
			// The worker may still be inside a turn; a reconnect must not
			// find its context.
			o.arena.Detach(id, c.dc)
		}
		o.mu.Unlock()
		if !ok {
			// No worker: the context may still exist if it was opened elsewhere.
			o.arena.Close(id)
		}
		return
	}
	if !ok {
		c = &conn{
			id:       id,
			channel:  msg.Channel,
			deviceID: msg.DeviceID,
			queue:    make(chan types.Message, o.cfg.QueueSize),
		}
		c.dc = o.open(c)
		o.conns[id] = c
		o.workers.Add(1)
		go o.work(c)
	}
	o.mu.Unlock()

	select {
	case c.queue <- msg:
	case <-o.ctx.Done():
	}
}

// work processes one connection's messages in arrival order and destroys
// the connection's own dialogue context when it ends.
func (o *Orchestrator) work(c *conn) {
	defer o.workers.Done()
	dc := c.dc
	defer o.arena.Release(c.id, dc)

	for {
		select {
		case <-o.ctx.Done():
			return
		case msg, ok := <-c.queue:
			if !ok {
				return
			}
			switch msg.Kind {
			case types.KindHello:
				o.hello(dc, msg)
			default:
				o.runTurn(o.ctx, dc, msg)
			}
		}
	}
}

func (o *Orchestrator) open(c *conn) *dialogue.Context {
	opts := dialogue.Options{
		DeviceID: c.deviceID,
		Channel:  c.channel,
		Playback: &playback{o: o, conn: c.id, channel: c.channel, deviceID: c.deviceID},
	}
	if o.profiles != nil {
		opts.Profile = o.profiles.Get(c.deviceID)
	}
	dc, _ := o.arena.Open(c.id, opts)
	return dc
}

func (o *Orchestrator) hello(dc *dialogue.Context, msg types.Message) {
	o.logger.Info("device connected", "device", dc.DeviceID, "channel", dc.Channel, "conn", dc.ID)
	err := o.send(o.ctx, types.Reply{
		Kind:     types.ReplyState,
		DeviceID: dc.DeviceID,
		Channel:  dc.Channel,
		State:    "connected",
		Metadata: map[string]string{types.MetaConn: dc.ID, "profile": dc.Profile()},
	})
	if err != nil {
		o.logger.Debug("hello reply not sent", "conn", dc.ID, "error", err)
	}
}

// playback is the Playback of one connection: everything it is given goes
// through the shared outbox, behind replies already queued.
type playback struct {
	o        *Orchestrator
	conn     string
	channel  string
	deviceID string
}

func (p *playback) Speak(ctx context.Context, display, spoken string) error {
	return p.o.send(ctx, types.Reply{
		Kind:     types.ReplySpeak,
		DeviceID: p.deviceID,
		Channel:  p.channel,
		Display:  display,
		Spoken:   spoken,
		Metadata: map[string]string{types.MetaConn: p.conn},
	})
}

func (p *playback) Audio(ctx context.Context, chunk []byte, format string) error {
	return p.o.send(ctx, types.Reply{
		Kind:     types.ReplyAudio,
		DeviceID: p.deviceID,
		Channel:  p.channel,
		Audio:    chunk,
		Format:   format,
		Metadata: map[string]string{types.MetaConn: p.conn},
	})
}
