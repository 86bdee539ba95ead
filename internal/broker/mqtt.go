// Package broker wraps the MQTT and NATS clients used to receive detections
// from camera-side publishers and to publish alerts.
package broker

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler receives raw message payloads.
type Handler func(topic string, payload []byte)

// Broker is the publish/subscribe surface shared by MQTT and NATS.
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, h Handler) (unsubscribe func() error, err error)
	Close()
}

// MQTTConfig configures an MQTT connection.
type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"BROKER"` // tcp://host:1883
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	QoS      byte   `yaml:"qos" env:"QOS"`
}

// MQTT is a connected paho client.
type MQTT struct {
	client mqtt.Client
	qos    byte
}

// DialMQTT connects to the broker.
func DialMQTT(cfg MQTTConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("sniperwatch-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	return &MQTT{client: cli, qos: cfg.QoS}, nil
}

func (c *MQTT) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, c.qos, false, payload)
	token.Wait()
	return token.Error()
}

func (c *MQTT) Subscribe(topic string, h Handler) (func() error, error) {
	token := c.client.Subscribe(topic, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return func() error {
		t := c.client.Unsubscribe(topic)
		t.Wait()
		return t.Error()
	}, nil
}

// Connected reports whether the client currently holds a connection.
func (c *MQTT) Connected() bool {
	return c.client != nil && c.client.IsConnected()
}

func (c *MQTT) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// SplitURL splits "scheme://host:port/some/topic" into the server URL and the
// topic (or subject). Subjects may use '.' separators; the path is returned
// without its leading slash.
func SplitURL(raw string) (server, topic string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("broker url %q needs scheme and host", raw)
	}
	topic = strings.TrimPrefix(u.Path, "/")
	if topic == "" {
		return "", "", fmt.Errorf("broker url %q has no topic", raw)
	}
	userinfo := ""
	if u.User != nil {
		userinfo = u.User.String() + "@"
	}
	return u.Scheme + "://" + userinfo + u.Host, topic, nil
}
