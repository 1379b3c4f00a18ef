// internal/bridge/mqtt/client.go
package mqtt

import (
	"errors"
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Client is a thin blocking wrapper around the paho client, shaped to
// the bridge's publisher contract.
type Client struct {
	c       paho.Client
	timeout time.Duration
}

type Config struct {
	Broker   string // e.g. "tcp://127.0.0.1:1883"
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

// New connects to the broker. Reconnects are handled by paho; a
// publish during an outage fails and the next cycle retries.
func New(cfg Config) (*Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c paho.Client) {
		log.Printf("mqtt: connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(c paho.Client, err error) {
		log.Printf("mqtt: connection lost: %v", err)
	})

	c := paho.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}

	return &Client{c: c, timeout: cfg.Timeout}, nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload string) error {
	tok := c.c.Publish(topic, qos, retained, payload)
	if !tok.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	return tok.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	tok := c.c.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !tok.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt: subscribe to %s timed out", topic)
	}
	return tok.Error()
}

func (c *Client) Close() {
	c.c.Disconnect(250)
}
