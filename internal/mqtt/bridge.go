//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"homematic-go-bridge/internal/coordinator"
	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/ota"
)

const sendTimeout = 10 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
	// Discovery publishes Home Assistant discovery for every peer heard.
	Discovery bool
}

// Sender executes a message on the radio. *coordinator.Coordinator
// implements it.
type Sender interface {
	Send(ctx context.Context, m hm.Message) error
}

// client is the part of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge publishes bus events to MQTT and feeds the send topic back into
// the radio.
type Bridge struct {
	client    client
	events    *coordinator.EventBus
	sender    Sender
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	discovered map[string]bool
}

func newBridge(events *coordinator.EventBus, sender Sender, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		events:     events,
		sender:     sender,
		prefix:     cfg.TopicPrefix,
		discovery:  cfg.Discovery,
		logger:     logger.With("component", "mqtt"),
		discovered: make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// NewBridge creates and connects an MQTT bridge. sender may be nil, in
// which case the send topic is not subscribed.
func NewBridge(events *coordinator.EventBus, sender Sender, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(events, sender, cfg, logger)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "homematic-go-bridge"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeSend()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to bus events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventMessageReceived:
		if d, ok := event.Data.(hm.Dissection); ok {
			b.publish(b.prefix+"/"+d.Src+"/message", mustJSON(d), false)
		}
	case coordinator.EventSendResult:
		b.publish(b.prefix+"/send/result", mustJSON(event.Data), false)
	case coordinator.EventAdapterInfo:
		b.publish(b.prefix+"/bridge/info", mustJSON(event.Data), true)
	case coordinator.EventBridgeState:
		if state, ok := event.Data.(string); ok && state == "stopped" {
			b.publishBridgeState("offline")
		} else {
			b.publishBridgeState("online")
		}
	case coordinator.EventPeerSeen:
		if p, ok := event.Data.(coordinator.Peer); ok {
			b.publishPeerDiscovery(p)
		}
	case coordinator.EventOTAProgress:
		if p, ok := event.Data.(ota.Progress); ok && p.Serial != "" {
			b.publish(b.prefix+"/ota/"+p.Serial, mustJSON(p), true)
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishPeerDiscovery(p coordinator.Peer) {
	if !b.discovery {
		return
	}
	b.mu.Lock()
	if b.discovered[p.HMID] {
		b.mu.Unlock()
		return
	}
	b.discovered[p.HMID] = true
	b.mu.Unlock()

	for _, msg := range buildDiscovery(p, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "hmid", p.HMID, "name", peerDisplayName(p))
}

func (b *Bridge) subscribeSend() {
	if b.sender == nil {
		return
	}
	b.client.Subscribe(b.prefix+"/send", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSend(msg.Payload())
	})
}

// handleSend executes an ASCII-hex message received on the send topic.
func (b *Bridge) handleSend(payload []byte) error {
	m, err := coordinator.ParseMessage(strings.TrimSpace(string(payload)))
	if err != nil {
		b.logger.Warn("invalid send payload", "payload", string(payload), "err", err)
		return err
	}
	ctx, cancel := context.WithTimeout(b.ctx, sendTimeout)
	defer cancel()
	if err := b.sender.Send(ctx, m); err != nil {
		b.logger.Warn("send command failed", "msg", m.String(), "err", err)
		return err
	}
	return nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
