// Package mqtt provides an MQTT gateway for a LoRa mesh radio.
//
// Every packet the radio hears is wrapped in a service envelope and
// published to "{root}/2/e/{channel}/{gatewayID}". The gateway also
// subscribes to "{root}/2/e/{channel}/+" and hands packets published by other
// gateways to its PacketHandler, marked as relayed via MQTT, so they can be
// transmitted locally.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kabili207/meshradio-go/core/codec"
	"github.com/kabili207/meshradio-go/core/dedupe"
	"github.com/kabili207/meshradio-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultTopicRoot is the default MQTT topic root.
	DefaultTopicRoot = "msh"

	// publishTimeout bounds how long a background publish is tracked.
	publishTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
)

// Config holds the configuration for an MQTT gateway.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, one is generated.
	ClientID string
	// TopicRoot is the MQTT topic root (default: "msh"). Region-scoped
	// deployments use e.g. "msh/US".
	TopicRoot string
	// Channel is the mesh channel name used in topics (e.g. "LongFast").
	// Only packets carrying this channel's hash are bridged.
	Channel string
	// PSK is the channel key, used with Channel to compute the channel
	// hash. If nil, codec.DefaultPSK is used.
	PSK []byte
	// GatewayID identifies this gateway in topics and envelopes. If empty,
	// a random node-style id is generated.
	GatewayID string
	// Downlink subscribes to packets from other gateways.
	Downlink bool
	// Dedupe suppresses repeated uplinks of the same packet. If nil, a
	// default-sized table is used.
	Dedupe *dedupe.PacketDeduplicator
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg           Config
	channelHash   uint8
	client        paho.Client
	log           *slog.Logger
	mu            sync.RWMutex
	connected     bool
	packetHandler transport.PacketHandler
	stateHandler  transport.StateHandler

	published  atomic.Uint32
	duplicates atomic.Uint32
	dropped    atomic.Uint32
	filtered   atomic.Uint32
}

// New creates a new MQTT gateway with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicRoot == "" {
		cfg.TopicRoot = DefaultTopicRoot
	}
	cfg.TopicRoot = strings.TrimSuffix(cfg.TopicRoot, "/")
	if cfg.GatewayID == "" {
		cfg.GatewayID = RandomGatewayID()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "meshradio-" + uuid.NewString()
	}
	if cfg.Dedupe == nil {
		cfg.Dedupe = dedupe.New()
	}
	if cfg.PSK == nil {
		cfg.PSK = codec.DefaultPSK
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:         cfg,
		channelHash: codec.ChannelHash(cfg.Channel, cfg.PSK),
		log:         cfg.Logger.WithGroup("mqtt"),
	}
}

// RandomGatewayID returns a node-style id ("!1a2b3c4d") drawn from a random
// UUID.
func RandomGatewayID() string {
	u := uuid.New()
	num := uint32(u[0])<<24 | uint32(u[1])<<16 | uint32(u[2])<<8 | uint32(u[3])
	if num == codec.BroadcastAddr {
		num--
	}
	return codec.NodeName(num)
}

// GatewayID returns the id this gateway publishes under.
func (t *Transport) GatewayID() string {
	return t.cfg.GatewayID
}

// Start connects to the MQTT broker and, if enabled, subscribes to the
// downlink topic.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if t.cfg.Channel == "" {
		return errors.New("channel name is required")
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(t.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	t.mu.Lock()
	t.client = paho.NewClient(opts)
	client := t.client
	t.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected returns true if the transport is connected to the broker.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

// SetPacketHandler sets the callback for downlink packets.
func (t *Transport) SetPacketHandler(fn transport.PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.packetHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// Stats returns how many packets were published, suppressed as duplicates,
// dropped while disconnected, and skipped for belonging to another channel.
func (t *Transport) Stats() (published, duplicates, dropped, filtered uint32) {
	return t.published.Load(), t.duplicates.Load(), t.dropped.Load(), t.filtered.Load()
}

// ChannelHash returns the channel hash a packet must carry to be bridged.
func (t *Transport) ChannelHash() uint8 {
	return t.channelHash
}

// OnPacket publishes a packet heard by the radio. Packets that arrived over
// MQTT, packets on other channels, and packets already published are
// skipped. A packet heard while disconnected is dropped without being marked
// published, so a later copy can still go out. The publish completes in the
// background so the radio is never held up by the broker.
func (t *Transport) OnPacket(pkt *codec.MeshPacket) {
	if pkt.ViaMQTT {
		return
	}
	if pkt.Channel != t.channelHash {
		t.filtered.Add(1)
		t.log.Debug("not publishing packet from another channel", "from", codec.NodeName(pkt.From), "id", pkt.ID, "ch", pkt.Channel)
		return
	}
	if !t.IsConnected() {
		t.dropped.Add(1)
		t.log.Debug("not publishing packet", "from", codec.NodeName(pkt.From), "id", pkt.ID, "error", ErrNotConnected)
		return
	}
	if t.cfg.Dedupe.HasSeen(pkt) {
		t.duplicates.Add(1)
		return
	}
	if err := t.publish(pkt, false); err != nil {
		t.dropped.Add(1)
		t.log.Debug("not publishing packet", "from", codec.NodeName(pkt.From), "id", pkt.ID, "error", err)
	}
}

// Publish encodes a packet and publishes it, waiting for the broker to
// accept it.
func (t *Transport) Publish(pkt *codec.MeshPacket) error {
	return t.publish(pkt, true)
}

func (t *Transport) publish(pkt *codec.MeshPacket, wait bool) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()

	if !t.IsConnected() {
		return ErrNotConnected
	}

	payload := MarshalEnvelope(pkt, t.cfg.Channel, t.cfg.GatewayID)
	topic := t.uplinkTopic()
	token := client.Publish(topic, 0, false, payload)
	t.published.Add(1)

	if wait {
		if !token.WaitTimeout(publishTimeout) {
			return errors.New("timeout publishing to MQTT")
		}
		return token.Error()
	}
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			t.log.Warn("publish failed", "topic", topic, "error", token.Error())
		}
	}()
	return nil
}

func (t *Transport) channelTopic() string {
	return t.cfg.TopicRoot + "/2/e/" + t.cfg.Channel
}

func (t *Transport) uplinkTopic() string {
	return t.channelTopic() + "/" + t.cfg.GatewayID
}

func (t *Transport) downlinkTopic() string {
	return t.channelTopic() + "/+"
}

func (t *Transport) subscribe(client paho.Client) {
	topic := t.downlinkTopic()
	client.Subscribe(topic, 0, t.handleMessage)
	t.log.Debug("subscribed to channel topic", "topic", topic)
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	t.mu.RLock()
	handler := t.packetHandler
	t.mu.RUnlock()

	if handler == nil {
		return
	}

	// Our own uplink comes back on the wildcard subscription.
	if strings.HasSuffix(message.Topic(), "/"+t.cfg.GatewayID) {
		return
	}

	pkt := &codec.MeshPacket{}
	env, err := UnmarshalEnvelope(message.Payload(), pkt)
	if err != nil {
		t.log.Debug("failed to parse service envelope", "topic", message.Topic(), "error", err)
		return
	}
	if env.GatewayID == t.cfg.GatewayID {
		return
	}
	if pkt.From == 0 || pkt.PayloadVariant != codec.PayloadEncrypted {
		t.log.Debug("ignoring downlink packet without encrypted payload", "from", codec.NodeName(pkt.From))
		return
	}
	if pkt.Channel != t.channelHash {
		t.filtered.Add(1)
		t.log.Debug("ignoring downlink packet from another channel", "from", codec.NodeName(pkt.From), "ch", pkt.Channel)
		return
	}

	// Marks the packet seen, so hearing our own relay of it over the air
	// does not publish it back.
	if t.cfg.Dedupe.HasSeen(pkt) {
		t.duplicates.Add(1)
		return
	}

	pkt.ViaMQTT = true
	pkt.RxRSSI, pkt.RxSNR, pkt.RxTime = 0, 0, time.Time{}
	handler(pkt, transport.PacketSourceMQTT)
}

func (t *Transport) onConnected(client paho.Client) {
	t.mu.Lock()
	t.connected = true
	handler := t.stateHandler
	t.mu.Unlock()

	if t.cfg.Downlink {
		t.subscribe(client)
	}
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker, "gateway", t.cfg.GatewayID)

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()

	t.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(t, transport.EventReconnecting)
	}
}
