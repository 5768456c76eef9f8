package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/clawinfra/parlo/internal/config"
	"github.com/clawinfra/parlo/internal/types"
)

var errNotConnected = errors.New("mqtt not connected")

// topics names everything under the configured prefix:
//
//	<prefix>/devices/<id>/utterance  speaker -> parlo
//	<prefix>/devices/<id>/reply      parlo -> speaker
//	<prefix>/devices/<id>/status     speaker presence, "online" / "offline"
//	<prefix>/parlo/status            parlo presence, retained
type topics string

func (t topics) devices() string            { return string(t) + "/devices/" }
func (t topics) utterance(id string) string { return t.devices() + id + "/utterance" }
func (t topics) reply(id string) string     { return t.devices() + id + "/reply" }
func (t topics) status(id string) string    { return t.devices() + id + "/status" }
func (t topics) self() string               { return string(t) + "/parlo/status" }

// device extracts <id> from a device topic.
func (t topics) device(topic string) string {
	rest, ok := strings.CutPrefix(topic, t.devices())
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return id
}

// MQTTClient is the subset of the paho client the channel uses, so tests can
// substitute it.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// utterancePayload is what a speaker publishes. Plain-text payloads are
// accepted as the utterance text.
type utterancePayload struct {
	ID     string `json:"id,omitempty"`
	Text   string `json:"text"`
	SentAt int64  `json:"sent_at,omitempty"`
}

// MQTTChannel connects speakers that talk to parlo through a broker. Each
// device is one dialogue connection.
type MQTTChannel struct {
	cfg     config.MQTTConfig
	topics  topics
	logger  *slog.Logger
	inbox   chan types.Message
	client  MQTTClient
	newConn func(*mqtt.ClientOptions) MQTTClient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMQTT creates the channel on a real paho client.
func NewMQTT(cfg config.MQTTConfig, logger *slog.Logger) *MQTTChannel {
	return NewMQTTWithClient(cfg, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return mqtt.NewClient(opts)
	})
}

// NewMQTTWithClient lets tests supply the client built from the options.
func NewMQTTWithClient(cfg config.MQTTConfig, logger *slog.Logger, newConn func(*mqtt.ClientOptions) MQTTClient) *MQTTChannel {
	if cfg.ClientID == "" {
		cfg.ClientID = "parlo-" + uuid.NewString()[:8]
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "parlo"
	}
	return &MQTTChannel{
		cfg:     cfg,
		topics:  topics(prefix),
		logger:  logger.With("channel", "mqtt"),
		inbox:   make(chan types.Message, 100),
		newConn: newConn,
		ctx:     context.Background(),
	}
}

func (m *MQTTChannel) Name() string { return "mqtt" }

func (m *MQTTChannel) options() *mqtt.ClientOptions {
	broker := fmt.Sprintf("tcp://%s:%d", m.cfg.Host, m.cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(m.cfg.ClientID).
		SetKeepAlive(30*time.Second).
		SetPingTimeout(10*time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30*time.Second).
		SetWill(m.topics.self(), "offline", 1, true)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
	})
	// A clean session drops subscriptions, so they are renewed on every
	// (re)connect together with the presence flag.
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if err := m.subscribe(); err != nil {
			m.logger.Error("failed to subscribe", "error", err)
			return
		}
		m.presence("online")
	})
	return opts
}

func (m *MQTTChannel) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.client = m.newConn(m.options())

	m.logger.Info("connecting to mqtt broker", "host", m.cfg.Host, "port", m.cfg.Port)
	token := m.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	m.logger.Info("mqtt channel started", "prefix", string(m.topics))
	return nil
}

// Stop clears the retained presence flag before disconnecting; the will
// only covers connections that drop.
func (m *MQTTChannel) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.client != nil && m.client.IsConnected() {
		m.presence("offline")
		m.client.Disconnect(250)
	}
	m.wg.Wait()
	m.logger.Info("mqtt channel stopped")
	return nil
}

// Send publishes reply on the device's reply topic.
func (m *MQTTChannel) Send(ctx context.Context, reply types.Reply) error {
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	topic := m.topics.reply(reply.DeviceID)
	if err := m.publish(ctx, topic, false, payload); err != nil {
		return err
	}
	m.logger.Debug("reply sent", "topic", topic, "size", len(payload), "kind", reply.Kind)
	return nil
}

// publish sends at QoS 1 and waits for the broker's ack.
func (m *MQTTChannel) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if m.client == nil || !m.client.IsConnected() {
		return errNotConnected
	}
	token := m.client.Publish(topic, 1, retained, payload)
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (m *MQTTChannel) presence(state string) {
	if err := m.publish(context.Background(), m.topics.self(), true, []byte(state)); err != nil {
		m.logger.Warn("presence not published", "state", state, "error", err)
	}
}

func (m *MQTTChannel) Receive() <-chan types.Message { return m.inbox }

func (m *MQTTChannel) subscribe() error {
	subs := []struct {
		pattern string
		handler mqtt.MessageHandler
	}{
		{m.topics.utterance("+"), m.handleUtterance},
		{m.topics.status("+"), m.handleStatus},
	}
	for _, s := range subs {
		token := m.client.Subscribe(s.pattern, 1, s.handler)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("subscribe to %s: timeout", s.pattern)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe to %s: %w", s.pattern, err)
		}
		m.logger.Debug("subscribed", "topic", s.pattern)
	}
	return nil
}

func (m *MQTTChannel) handleUtterance(_ mqtt.Client, msg mqtt.Message) {
	m.wg.Add(1)
	defer m.wg.Done()

	device := m.topics.device(msg.Topic())
	if device == "" {
		m.logger.Warn("utterance on unexpected topic", "topic", msg.Topic())
		return
	}

	var p utterancePayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		p = utterancePayload{Text: string(msg.Payload())}
	}
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" {
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	ts := time.Now()
	if p.SentAt > 0 {
		ts = time.Unix(p.SentAt, 0)
	}

	m.forward(types.Message{
		ID:        p.ID,
		Kind:      types.KindUtterance,
		Channel:   m.Name(),
		DeviceID:  device,
		Text:      p.Text,
		Timestamp: ts,
		Metadata:  map[string]string{"mqtt_topic": msg.Topic()},
	})
}

// handleStatus maps device presence to connection lifecycle events.
func (m *MQTTChannel) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	m.wg.Add(1)
	defer m.wg.Done()

	device := m.topics.device(msg.Topic())
	if device == "" {
		return
	}

	var kind types.MessageKind
	switch strings.ToLower(strings.TrimSpace(string(msg.Payload()))) {
	case "online", `{"status":"online"}`:
		kind = types.KindHello
	case "offline", `{"status":"offline"}`:
		kind = types.KindBye
	default:
		m.logger.Debug("ignoring device status", "device", device, "payload", string(msg.Payload()))
		return
	}
	m.forward(types.Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Channel:   m.Name(),
		DeviceID:  device,
		Timestamp: time.Now(),
	})
}

func (m *MQTTChannel) forward(msg types.Message) {
	select {
	case m.inbox <- msg:
	case <-m.ctx.Done():
	default:
		m.logger.Warn("inbox full, dropping message", "device", msg.DeviceID, "kind", msg.Kind)
	}
}
