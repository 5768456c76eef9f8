package orchestrator

import (
	"context"
	"time"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/dispatch"
	"github.com/clawinfra/parlo/internal/types"
)

// runTurn takes one utterance from arrival to its terminal state.
func (o *Orchestrator) runTurn(ctx context.Context, dc *dialogue.Context, msg types.Message) {
	u := types.NewUtterance(msg.Text)
	if u.Empty() {
		return
	}
	t := dispatch.NewTurn(dc.DeviceID, u.Raw)

	d := o.classifier.Classify(ctx, dc, u)
	if err := t.Classified(d.Call, d.Stage.String()); err != nil {
		o.logger.Error("turn state", "turn", t.ID, "error", err)
		return
	}

	a, err := o.dispatcher.Run(ctx, t, dc)
	if err != nil {
		o.logger.Error("turn state", "turn", t.ID, "error", err)
	}

	reply := types.Reply{
		DeviceID: dc.DeviceID,
		Channel:  dc.Channel,
		TurnID:   t.ID,
		Function: string(t.Call.Name),
		Metadata: map[string]string{types.MetaConn: dc.ID},
	}
	var said string
	switch a.State {
	case dispatch.StateSpoken:
		reply.Kind = types.ReplySpeak
		reply.Display, reply.Spoken = a.Display, a.Spoken
		said = a.Spoken
	case dispatch.StateDeferredToModel:
		said = o.phrase(ctx, dc, a.Seed)
		t.Reply = said
		reply.Kind = types.ReplySpeak
		reply.Display, reply.Spoken = said, said
	default:
		reply.Kind = types.ReplyState
		reply.State = t.State.String()
	}

	dc.History.Add("user", u.Raw)
	dc.History.Add("assistant", said)

	if err := o.send(ctx, reply); err != nil {
		o.logger.Warn("reply not sent", "turn", t.ID, "device", dc.DeviceID, "error", err)
	}

	o.logger.Info("turn finished",
		"turn", t.ID,
		"device", dc.DeviceID,
		"call", t.Call.String(),
		"stage", t.Stage,
		"state", t.State.String(),
		"durationMs", t.DurationMs,
	)
	o.finish(t)
}

func (o *Orchestrator) finish(t *dispatch.Turn) {
	if o.observer != nil {
		o.observer(t)
	}
	if o.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.journal.Record(ctx, t); err != nil {
		o.logger.Warn("turn not journaled", "turn", t.ID, "error", err)
	}
}
