// Package mqtt provides the retained MQTT transport the bridge publishes
// device state on and receives control commands from.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nexus-edge/urri-gateway/internal/domain"
	"github.com/nexus-edge/urri-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// Config contains MQTT client configuration
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	CleanSession   bool
}

// Client is the paho-backed implementation of domain.Transport.
//
// Automatic reconnection is disabled: losing the broker is fatal for the
// bridge, the connection-lost handler tells the orchestrator to shut down.
type Client struct {
	config  Config
	client  paho.Client
	logger  zerolog.Logger
	metrics *metrics.Registry

	subs   map[string]domain.MessageHandler
	subsMu sync.RWMutex

	isConnected atomic.Bool

	onLost   func(err error)
	onLostMu sync.RWMutex

	messagesReceived atomic.Uint64
	publishes        atomic.Uint64
	publishErrors    atomic.Uint64
}

// NewClient creates a new MQTT client. It does not connect.
func NewClient(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*Client, error) {
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("%w: broker url is required", domain.ErrConnectionFailed)
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}

	c := &Client{
		config:  config,
		logger:  logger.With().Str("component", "mqtt-client").Logger(),
		metrics: metricsReg,
		subs:    make(map[string]domain.MessageHandler),
	}

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetKeepAlive(config.KeepAlive).
		SetCleanSession(config.CleanSession).
		SetConnectTimeout(config.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectionLostHandler(c.onConnectionLost).
		SetOnConnectHandler(c.onConnect)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	c.client = paho.NewClient(opts)

	return c, nil
}

// Connect establishes connection to the MQTT broker
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info().
		Str("broker", c.config.BrokerURL).
		Str("client_id", c.config.ClientID).
		Msg("Connecting to MQTT broker")

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, ctx.Err())
	case <-time.After(c.config.ConnectTimeout):
		return fmt.Errorf("%w: timeout after %v", domain.ErrConnectionFailed, c.config.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	// OnConnect runs asynchronously, publishers must see the connection now.
	c.setConnected(true)
	return nil
}

// Disconnect cleanly disconnects from the broker
func (c *Client) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	c.setConnected(false)
	c.logger.Info().Msg("Disconnected from MQTT broker")
}

// IsConnected returns current connection status
func (c *Client) IsConnected() bool {
	return c.isConnected.Load() && c.client.IsConnected()
}

// SetConnectionLostHandler registers the callback run when the broker drops us.
func (c *Client) SetConnectionLostHandler(fn func(err error)) {
	c.onLostMu.Lock()
	c.onLost = fn
	c.onLostMu.Unlock()
}

// Publish sends payload to topic. An empty retained payload clears the topic.
func (c *Client) Publish(topic string, payload string, retain bool) error {
	if topic == "" {
		return domain.ErrInvalidTopic
	}
	if !c.IsConnected() {
		return domain.ErrNotConnected
	}

	token := c.client.Publish(topic, c.config.QoS, retain, payload)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		c.recordPublishError()
		return fmt.Errorf("%w: timeout after %v", domain.ErrPublishFailed, c.config.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.recordPublishError()
		return fmt.Errorf("%w: %v", domain.ErrPublishFailed, err)
	}

	c.publishes.Add(1)
	return nil
}

// Subscribe registers handler for topic. Subscriptions are remembered and
// restored whenever the client (re)connects.
func (c *Client) Subscribe(topic string, handler domain.MessageHandler) error {
	if topic == "" {
		return domain.ErrInvalidTopic
	}

	c.subsMu.Lock()
	c.subs[topic] = handler
	c.subsMu.Unlock()

	if !c.IsConnected() {
		// restored by onConnect
		return nil
	}
	return c.subscribe(topic, handler)
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(topic string) error {
	c.subsMu.Lock()
	delete(c.subs, topic)
	c.subsMu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("%w: unsubscribe timeout", domain.ErrSubscribeFailed)
	}
	return token.Error()
}

func (c *Client) subscribe(topic string, handler domain.MessageHandler) error {
	token := c.client.Subscribe(topic, c.config.QoS, func(_ paho.Client, msg paho.Message) {
		c.messagesReceived.Add(1)
		handler(domain.Message{
			Topic:    msg.Topic(),
			Payload:  msg.Payload(),
			Retained: msg.Retained(),
		})
	})
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("%w: timeout on %s", domain.ErrSubscribeFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSubscribeFailed, err)
	}
	c.logger.Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

// RetainedTopics returns the topics matching filter that currently hold a
// retained, non-empty message. A sentinel message published after the
// subscription marks the end of the broker's retained replay.
func (c *Client) RetainedTopics(ctx context.Context, filter string) ([]string, error) {
	if !c.IsConnected() {
		return nil, domain.ErrNotConnected
	}

	var (
		mu     sync.Mutex
		topics []string
	)
	collect := func(_ paho.Client, msg paho.Message) {
		if !msg.Retained() || len(msg.Payload()) == 0 {
			return
		}
		mu.Lock()
		topics = append(topics, msg.Topic())
		mu.Unlock()
	}

	token := c.client.Subscribe(filter, c.config.QoS, collect)
	if !token.WaitTimeout(c.config.PublishTimeout) || token.Error() != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubscribeFailed, filter)
	}
	defer c.client.Unsubscribe(filter)

	sentinel := "/wbretainhack/" + uuid.NewString()
	done := make(chan struct{})
	var once sync.Once
	token = c.client.Subscribe(sentinel, 2, func(_ paho.Client, _ paho.Message) {
		once.Do(func() { close(done) })
	})
	if !token.WaitTimeout(c.config.PublishTimeout) || token.Error() != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubscribeFailed, sentinel)
	}
	defer c.client.Unsubscribe(sentinel)

	c.client.Publish(sentinel, 2, false, "2")

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), topics...), nil
}

// HealthCheck reports the broker connection state.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return domain.ErrNotConnected
	}
	return nil
}

// Stats returns client statistics
func (c *Client) Stats() map[string]interface{} {
	c.subsMu.RLock()
	subs := len(c.subs)
	c.subsMu.RUnlock()

	return map[string]interface{}{
		"connected":         c.IsConnected(),
		"broker":            c.config.BrokerURL,
		"client_id":         c.config.ClientID,
		"subscriptions":     subs,
		"messages_received": c.messagesReceived.Load(),
		"publishes":         c.publishes.Load(),
		"publish_errors":    c.publishErrors.Load(),
	}
}

func (c *Client) setConnected(v bool) {
	c.isConnected.Store(v)
	if c.metrics != nil {
		c.metrics.SetBrokerConnected(v)
	}
}

func (c *Client) recordPublishError() {
	c.publishErrors.Add(1)
	if c.metrics != nil {
		c.metrics.IncPublishErrors()
	}
}

// onConnect is called when connection is established
func (c *Client) onConnect(_ paho.Client) {
	c.setConnected(true)
	c.logger.Info().Msg("Connected to MQTT broker")

	c.subsMu.RLock()
	subs := make(map[string]domain.MessageHandler, len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.subsMu.RUnlock()

	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			c.logger.Error().Err(err).Str("topic", topic).Msg("Failed to restore subscription")
		}
	}
}

// onConnectionLost is called when connection is lost
func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.setConnected(false)
	c.logger.Warn().Err(err).Msg("Connection lost to MQTT broker")

	c.onLostMu.RLock()
	fn := c.onLost
	c.onLostMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
