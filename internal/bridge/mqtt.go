package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/luvoctl/internal/config"
)

const (
	qos            = 1
	publishTimeout = 5 * time.Second

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// MQTTClient is a Broker backed by an eclipse/paho client. Subscriptions
// are restored after every reconnect, and <prefix>/availability carries a
// retained online/offline flag (offline via the last will).
type MQTTClient struct {
	client mqtt.Client
	cfg    config.MQTTConfig

	mu        sync.RWMutex
	connected bool
	subs      map[string]mqtt.MessageHandler
	onConnect func()

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMQTTClient creates a client for cfg. It does not connect.
func NewMQTTClient(cfg config.MQTTConfig) *MQTTClient {
	c := &MQTTClient{
		cfg:    cfg,
		subs:   make(map[string]mqtt.MessageHandler),
		stopCh: make(chan struct{}),
	}
	c.client = mqtt.NewClient(c.clientOptions())
	return c
}

func (c *MQTTClient) availabilityTopic() string {
	return c.cfg.TopicPrefix + "/availability"
}

func (c *MQTTClient) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Broker, c.cfg.Port))
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetWill(c.availabilityTopic(), availabilityOffline, qos, true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.setConnected(true)
		slog.Info("[MQTT] connected", "broker", c.cfg.Broker, "port", c.cfg.Port)

		// Handlers must not block the paho router; tokens are awaited elsewhere.
		c.mu.RLock()
		for topic, handler := range c.subs {
			watch("resubscribe "+topic, client.Subscribe(topic, qos, handler))
		}
		onConnect := c.onConnect
		c.mu.RUnlock()
		watch("publish availability", client.Publish(c.availabilityTopic(), qos, true, availabilityOnline))
		if onConnect != nil {
			onConnect()
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		slog.Warn("[MQTT] connection lost", "error", err)
	})
	return opts
}

// watch logs the outcome of token in the background.
func watch(what string, token mqtt.Token) {
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			slog.Warn("[MQTT] timed out", "op", what)
			return
		}
		if err := token.Error(); err != nil {
			slog.Warn("[MQTT] failed", "op", what, "error", err)
		}
	}()
}

// Connect establishes the connection to the broker. It waits for the
// initial connection and respects ctx and Disconnect.
func (c *MQTTClient) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("mqtt client stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	// With ConnectRetry set the token completes only once connected.
	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("mqtt client stopped")
		default:
		}
	}
}

// Publish sends payload to topic with QoS 1.
func (c *MQTTClient) Publish(topic string, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic. The subscription survives reconnects.
func (c *MQTTClient) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	h := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}

	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()

	if !c.IsConnected() {
		// Subscribed by the connect handler.
		return nil
	}
	token := c.client.Subscribe(topic, qos, h)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	slog.Debug("[MQTT] subscribed", "topic", topic)
	return nil
}

// OnConnect registers fn to run after every connection to the broker,
// including reconnects. fn runs on the paho router and must not block.
func (c *MQTTClient) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// IsConnected reports whether the client is connected.
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect publishes offline availability and closes the connection.
// Idempotent; after Disconnect, Connect fails.
func (c *MQTTClient) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopCh)

		if c.IsConnected() {
			token := c.client.Publish(c.availabilityTopic(), qos, true, availabilityOffline)
			token.WaitTimeout(publishTimeout)
		}
		c.client.Disconnect(250)

		c.setConnected(false)
		slog.Info("[MQTT] disconnected")
	})
}

func (c *MQTTClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Compile-time check that MQTTClient implements Broker.
var _ Broker = (*MQTTClient)(nil)
