package mqttsink

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepAlive         = 60 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds

	statusOnline  = "online"
	statusOffline = "offline"
)

// ClientConfig holds broker connection settings.
type ClientConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// Client is a paho connection that publishes with acknowledgement timeouts.
type Client struct {
	cfg    ClientConfig
	client pahomqtt.Client
}

// StatusTopic carries the retained online/offline marker.
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// Connect dials the broker. The broker publishes a retained offline status
// if the connection drops without a clean Close.
func Connect(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultConnectTimeout
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(StatusTopic(cfg.TopicPrefix), statusOffline, cfg.QoS, true)

	c := &Client{cfg: cfg}
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
		c.client.Publish(StatusTopic(cfg.TopicPrefix), cfg.QoS, true, statusOnline)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out after %s", cfg.Broker, cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return c, nil
}

// Publish sends payload and waits for the broker acknowledgement.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.cfg.Timeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

// Close publishes the offline status and disconnects.
func (c *Client) Close() {
	if c.client.IsConnected() {
		token := c.client.Publish(StatusTopic(c.cfg.TopicPrefix), c.cfg.QoS, true, statusOffline)
		token.WaitTimeout(c.cfg.Timeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	log.Info().Msg("MQTT disconnected")
}
