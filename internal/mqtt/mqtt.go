// Package mqtt wraps the paho client with the connection behavior the
// bridge needs: an availability last-will, automatic reconnection, and
// re-subscription of command topics after a reconnect.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"pikbridge/internal/config"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second

	// Home Assistant availability payloads.
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Handler receives messages on a subscribed topic.
type Handler func(topic string, payload []byte)

type subscription struct {
	topic   string
	handler Handler
}

// Client is a connected MQTT session.
type Client struct {
	client paho.Client
	cfg    config.MQTTConfig
	qos    byte
	log    *zap.Logger

	mu   sync.RWMutex
	subs map[string]subscription
}

// AvailabilityTopic is where the bridge reports online/offline. The
// broker publishes the offline payload as the last will if the bridge
// dies without disconnecting cleanly.
func AvailabilityTopic(topicPrefix string) string {
	return topicPrefix + "/availability"
}

// Connect dials the broker and announces availability. Subscriptions
// registered later survive reconnects.
func Connect(cfg config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:  cfg,
		qos:  cfg.QoSLevel(),
		log:  logger,
		subs: make(map[string]subscription),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(AvailabilityTopic(cfg.TopicPrefix), PayloadOffline, c.qos, true)
	opts.SetOnConnectHandler(func(paho.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.log.Warn("mqtt connection lost", zap.Error(err))
	})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout after %v", cfg.Broker, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return c, nil
}

func (c *Client) handleConnect() {
	c.log.Info("mqtt connected", zap.String("broker", c.cfg.Broker))

	if err := c.Publish(AvailabilityTopic(c.cfg.TopicPrefix), []byte(PayloadOnline), true); err != nil {
		c.log.Warn("availability publish failed", zap.Error(err))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subs {
		c.client.Subscribe(sub.topic, c.qos, c.wrapHandler(sub.handler))
	}
}

// Publish sends a payload and waits for broker acknowledgment.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	token := c.client.Publish(topic, c.qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: timeout after %v", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic. The subscription is
// restored automatically after a reconnect.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{topic: topic, handler: handler}
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.qos, c.wrapHandler(handler))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe to %s: timeout after %v", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) wrapHandler(handler Handler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("mqtt handler panic",
					zap.String("topic", msg.Topic()),
					zap.Any("panic", r))
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}

// Connected reports the current session state.
func (c *Client) Connected() bool {
	return c.client.IsConnected()
}

// Close publishes a clean offline status and disconnects.
func (c *Client) Close() {
	if c.client.IsConnected() {
		token := c.client.Publish(AvailabilityTopic(c.cfg.TopicPrefix), c.qos, true, PayloadOffline)
		token.WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
}
