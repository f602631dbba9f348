package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/harbor/internal/bus"
	"github.com/nugget/harbor/internal/config"
)

// ErrNotStarted is returned by operations on a Bus whose connection
// has not been created yet.
var ErrNotStarted = errors.New("mqtt bus not started")

// Bus is a [bus.PubSub] backed by one MQTT connection.
type Bus struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	limiter  *inboundLimiter

	mu     sync.RWMutex
	cm     *autopaho.ConnectionManager
	nextID uint64
	subs   map[string]map[uint64]bus.Handler
}

// New creates a Bus for one traffic class. The client id is derived
// from the configured id and class so that a host can hold several
// connections to the same broker. Call [Bus.Start] to connect.
func New(cfg config.MQTTConfig, class string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if class != "" {
		clientID += "-" + class
	}
	b := &Bus{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger.With("mqtt_client", clientID),
		subs:     make(map[string]map[uint64]bus.Handler),
	}
	if cfg.InboundLimit > 0 {
		b.limiter = newInboundLimiter(int64(cfg.InboundLimit), time.Second, b.logger)
	}
	return b
}

// AvailabilityTopic is where this client announces "online" and where
// the broker publishes the will message on an unclean disconnect.
func (b *Bus) AvailabilityTopic() string {
	return "harbor/clients/" + b.clientID + "/availability"
}

// Start creates the connection and waits up to 30 seconds for the
// first connect. A slow broker is logged, not fatal; autopaho keeps
// retrying in the background.
func (b *Bus) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	keepAlive := uint16(b.cfg.KeepAlive / time.Second)
	if keepAlive == 0 {
		keepAlive = 30
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               b.cfg.Username,
		ConnectPassword:               []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.AvailabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.resubscribe(ctx, cm)
			b.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				b.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "wss" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()

	if b.limiter != nil {
		go b.limiter.run(ctx)
	}

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop announces "offline" and disconnects.
func (b *Bus) Stop(ctx context.Context) error {
	cm := b.conn()
	if cm == nil {
		return nil
	}
	b.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as a connwatch probe.
func (b *Bus) AwaitConnection(ctx context.Context) error {
	cm := b.conn()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// Publish implements [bus.PubSub] with QoS 1.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	cm := b.conn()
	if cm == nil {
		return ErrNotStarted
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	b.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", topic, "payload", string(payload))
	return nil
}

// Subscribe implements [bus.PubSub]. The broker subscription is made
// on the first handler for a topic and dropped with the last.
func (b *Bus) Subscribe(ctx context.Context, topic string, h bus.Handler) (bus.Unsubscribe, error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	first := len(b.subs[topic]) == 0
	if first {
		b.subs[topic] = make(map[uint64]bus.Handler)
	}
	b.subs[topic][id] = h
	cm := b.cm
	b.mu.Unlock()

	if first && cm != nil {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
		}); err != nil {
			b.remove(topic, id)
			return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
		}
		b.logger.Debug("mqtt subscribed", "topic", topic)
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			if last := b.remove(topic, id); !last {
				return
			}
			cm := b.conn()
			if cm == nil {
				return
			}
			if _, uerr := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}}); uerr != nil {
				err = fmt.Errorf("mqtt unsubscribe %s: %w", topic, uerr)
			}
		})
		return err
	}, nil
}

// remove drops one handler and reports whether it was the last for
// the topic.
func (b *Bus) remove(topic string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
		return true
	}
	return false
}

func (b *Bus) conn() *autopaho.ConnectionManager {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cm
}

func (b *Bus) topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for t := range b.subs {
		out = append(out, t)
	}
	return out
}

// resubscribe restores every active subscription after a (re-)connect.
func (b *Bus) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	topics := b.topics()
	if len(topics) == 0 {
		return
	}
	opts := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		opts = append(opts, paho.SubscribeOptions{Topic: t, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		b.logger.Error("mqtt resubscribe failed", "topics", len(topics), "error", err)
		return
	}
	b.logger.Info("mqtt resubscribed", "topics", len(topics))
}

func (b *Bus) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

// dispatch hands an inbound message to every handler on its topic.
func (b *Bus) dispatch(topic string, payload []byte) {
	if b.limiter != nil && !b.limiter.allow() {
		return
	}

	b.mu.RLock()
	handlers := make([]bus.Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("mqtt message without handler", "topic", topic, "payload_size", len(payload))
		return
	}
	b.logger.Log(context.Background(), config.LevelTrace, "mqtt received", "topic", topic, "payload", string(payload))
	for _, h := range handlers {
		h(topic, payload)
	}
}
