//go:build integration

// Package integration exercises the speaker protocol against a real MQTT
// broker: a fake speaker publishes presence and utterances and listens for
// replies while the full pipeline runs in process.
//
// Prerequisites:
//   - MQTT broker (Mosquitto) running on localhost:1883
//   - Set MQTT_BROKER and MQTT_PORT env vars to override defaults
//
// Run with: go test -v -tags=integration -timeout=60s ./integration/...
package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/parlo/internal/channels"
	"github.com/clawinfra/parlo/internal/config"
	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/dispatch"
	"github.com/clawinfra/parlo/internal/functions"
	"github.com/clawinfra/parlo/internal/orchestrator"
	"github.com/clawinfra/parlo/internal/profiles"
	"github.com/clawinfra/parlo/internal/router"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/store"
	"github.com/clawinfra/parlo/internal/types"
)

func brokerConfig(t *testing.T) config.MQTTConfig {
	t.Helper()
	host := os.Getenv("MQTT_BROKER")
	if host == "" {
		host = "localhost"
	}
	port := 1883
	if p := os.Getenv("MQTT_PORT"); p != "" {
		var err error
		if port, err = strconv.Atoi(p); err != nil {
			t.Fatalf("MQTT_PORT: %v", err)
		}
	}
	return config.MQTTConfig{
		Enabled:     true,
		Host:        host,
		Port:        port,
		ClientID:    fmt.Sprintf("parlo-it-%d", time.Now().UnixNano()),
		TopicPrefix: fmt.Sprintf("parlo-it-%d", time.Now().UnixNano()),
	}
}

// speaker is a fake device on the broker.
type speaker struct {
	t       *testing.T
	client  mqtt.Client
	prefix  string
	device  string
	replies chan types.Reply
}

func newSpeaker(t *testing.T, cfg config.MQTTConfig, device string) *speaker {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID + "-" + device)
	client := mqtt.NewClient(opts)
	if tok := client.Connect(); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Skipf("MQTT broker not reachable at %s:%d: %v", cfg.Host, cfg.Port, tok.Error())
	}
	t.Cleanup(func() { client.Disconnect(100) })

	s := &speaker{t: t, client: client, prefix: cfg.TopicPrefix, device: device, replies: make(chan types.Reply, 16)}
	topic := fmt.Sprintf("%s/devices/%s/reply", s.prefix, device)
	tok := client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		var r types.Reply
		if err := json.Unmarshal(m.Payload(), &r); err != nil {
			t.Errorf("bad reply payload %q: %v", m.Payload(), err)
			return
		}
		s.replies <- r
	})
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("subscribe %s: %v", topic, tok.Error())
	}
	return s
}

func (s *speaker) publish(leaf string, payload any) {
	s.t.Helper()
	var body []byte
	switch p := payload.(type) {
	case string:
		body = []byte(p)
	default:
		body, _ = json.Marshal(p)
	}
	tok := s.client.Publish(fmt.Sprintf("%s/devices/%s/%s", s.prefix, s.device, leaf), 1, false, body)
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		s.t.Fatalf("publish %s: %v", leaf, tok.Error())
	}
}

// next waits for a reply of the given kind, skipping others.
func (s *speaker) next(kind types.ReplyKind) types.Reply {
	s.t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case r := <-s.replies:
			if r.Kind == kind {
				return r
			}
		case <-deadline:
			s.t.Fatalf("no %s reply for %s", kind, s.device)
			return types.Reply{}
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startPipeline(t *testing.T, cfg config.MQTTConfig) {
	t.Helper()
	logger := quietLogger()

	st, err := store.New(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	catalog := profiles.DefaultCatalog()
	devices := profiles.NewDeviceProfiles(st, catalog, logger)
	reg := skills.NewRegistry(logger)
	if err := functions.Register(reg, functions.Deps{Store: st, Profiles: devices, Logger: logger}); err != nil {
		t.Fatal(err)
	}
	reg.Freeze()

	rt := router.New(router.DefaultConfig(), reg, catalog, logger)
	arena := dialogue.NewArena(dialogue.Options{HistoryTurns: 20}, logger)
	orch := orchestrator.New(orchestrator.Config{}, arena, rt, dispatch.New(reg, logger), logger,
		orchestrator.WithDeviceProfiles(devices))
	orch.RegisterChannel(channels.NewMQTT(cfg, logger))
	if err := orch.Start(); err != nil {
		t.Skipf("MQTT broker not reachable: %v", err)
	}
	t.Cleanup(func() { _ = orch.Stop() })
}

func TestSpeakerRoundTrip(t *testing.T) {
	cfg := brokerConfig(t)
	sp := newSpeaker(t, cfg, "cucina")
	startPipeline(t, cfg)

	sp.publish("status", "online")
	sp.publish("utterance", map[string]any{"text": "quanto fa 6 per 7"})

	r := sp.next(types.ReplySpeak)
	if !strings.Contains(r.Spoken, "42") {
		t.Errorf("spoken = %q", r.Spoken)
	}
	if r.DeviceID != "cucina" || r.TurnID == "" {
		t.Errorf("reply = %+v", r)
	}
}

func TestPlainTextUtterance(t *testing.T) {
	cfg := brokerConfig(t)
	sp := newSpeaker(t, cfg, "salotto")
	startPipeline(t, cfg)

	sp.publish("utterance", "quanto fa 10 diviso 4")
	if r := sp.next(types.ReplySpeak); r.Spoken != "Fa 2,5." {
		t.Errorf("spoken = %q", r.Spoken)
	}
}

func TestDevicesAreIsolated(t *testing.T) {
	cfg := brokerConfig(t)
	a := newSpeaker(t, cfg, "camera")
	b := newSpeaker(t, cfg, "studio")
	startPipeline(t, cfg)

	a.publish("utterance", "quanto fa 2 per 2")
	if r := a.next(types.ReplySpeak); !strings.Contains(r.Spoken, "4") {
		t.Errorf("camera spoken = %q", r.Spoken)
	}
	select {
	case r := <-b.replies:
		if r.Kind == types.ReplySpeak {
			t.Errorf("studio received camera's reply: %+v", r)
		}
	case <-time.After(500 * time.Millisecond):
	}
}
