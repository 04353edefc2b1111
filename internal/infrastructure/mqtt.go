package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/openbk-ota/config"
	"example.com/backstage/services/openbk-ota/internal/core"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTBus is the device bus backed by an MQTT broker.
type MQTTBus struct {
	config    config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	mu        sync.RWMutex
	connected bool
	subs      map[*subscription]struct{}
	onLost    func(error)
}

type subscription struct {
	pattern string
	ctx     context.Context
	out     chan core.Message

	mu     sync.RWMutex
	closed bool
}

// deliver hands a message to the subscriber, blocking until it is read or
// the subscription ends so broker order is kept.
func (s *subscription) deliver(msg core.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	case <-s.ctx.Done():
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// NewMQTTBus creates a bus client. Call Start to connect.
func NewMQTTBus(cfg config.MQTTConfig, logger *logrus.Logger) (*MQTTBus, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("openbk-ota-%d", time.Now().UnixNano())
	}

	b := &MQTTBus{
		config: cfg,
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(cfg.CleanSession)
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.MaxReconnectDelay > 0 {
		opts.SetMaxReconnectInterval(cfg.MaxReconnectDelay)
	}
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetReconnectingHandler(b.onReconnecting)

	b.client = mqtt.NewClient(opts)
	return b, nil
}

// OnConnectionLost registers fn to run whenever the broker connection drops.
func (b *MQTTBus) OnConnectionLost(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLost = fn
}

// Start connects to the broker.
func (b *MQTTBus) Start() error {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	b.logger.WithField("broker", b.config.BrokerURL).Info("MQTT bus started")
	return nil
}

// Stop closes all subscriptions and disconnects.
func (b *MQTTBus) Stop() {
	b.logger.Info("Stopping MQTT bus...")

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	if b.client.IsConnected() {
		for _, s := range subs {
			if token := b.client.Unsubscribe(s.pattern); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				b.logger.WithError(token.Error()).WithField("topic", s.pattern).Error("Failed to unsubscribe from topic")
			}
		}
		b.client.Disconnect(250)
	}
	for _, s := range subs {
		s.close()
	}
	b.logger.Info("MQTT bus stopped")
}

// IsConnected returns the connection status
func (b *MQTTBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Subscribe delivers messages matching pattern until ctx is cancelled. The
// subscription is renewed after every reconnect.
func (b *MQTTBus) Subscribe(ctx context.Context, pattern string) (<-chan core.Message, error) {
	sub := &subscription{
		pattern: pattern,
		ctx:     ctx,
		out:     make(chan core.Message, 64),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	connected := b.connected
	b.mu.Unlock()

	if connected {
		if err := b.subscribe(sub); err != nil {
			b.remove(sub)
			return nil, err
		}
	}

	go func() {
		<-ctx.Done()
		if b.remove(sub) && b.client.IsConnected() {
			b.client.Unsubscribe(pattern)
		}
		sub.close()
	}()
	return sub.out, nil
}

func (b *MQTTBus) remove(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	return ok
}

func (b *MQTTBus) subscribe(sub *subscription) error {
	token := b.client.Subscribe(sub.pattern, b.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		b.logger.WithFields(logrus.Fields{
			"topic":    msg.Topic(),
			"qos":      msg.Qos(),
			"retained": msg.Retained(),
			"size":     len(msg.Payload()),
		}).Debug("Received MQTT message")
		sub.deliver(core.Message{Topic: msg.Topic(), Payload: msg.Payload()})
	})
	if !token.WaitTimeout(10*time.Second) {
		return fmt.Errorf("subscribe %s: timed out", sub.pattern)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.pattern, err)
	}
	b.logger.WithField("topic", sub.pattern).Info("Subscribed to topic")
	return nil
}

// Publish sends payload to topic with the command QoS, not retained.
func (b *MQTTBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if !b.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	token := b.client.Publish(topic, b.config.CommandQoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (b *MQTTBus) onConnect(client mqtt.Client) {
	b.mu.Lock()
	b.connected = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.logger.Info("Connected to MQTT broker")

	for _, s := range subs {
		if err := b.subscribe(s); err != nil {
			b.logger.WithError(err).WithField("topic", s.pattern).Error("Failed to subscribe to topic")
		}
	}
}

func (b *MQTTBus) onConnectionLost(_ mqtt.Client, err error) {
	b.mu.Lock()
	b.connected = false
	onLost := b.onLost
	b.mu.Unlock()

	b.logger.WithError(err).Warn("Lost connection to MQTT broker")
	if onLost != nil {
		onLost(err)
	}
}

func (b *MQTTBus) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	b.logger.Info("Attempting to reconnect to MQTT broker...")
}
