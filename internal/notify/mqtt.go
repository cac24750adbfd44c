package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"pwn-gpsd/internal/protocol"
)

const DefaultTopic = "pwnagotchi/gps"

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Logger   *slog.Logger
}

// publisher is the part of mqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes each position as a retained JSON message.
type MQTT struct {
	client publisher
	topic  string
	log    *slog.Logger
}

// DialMQTT connects to the broker and returns a ready notifier.
func DialMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pwn-gpsd"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	return newMQTT(client, cfg), nil
}

func newMQTT(client publisher, cfg MQTTConfig) *MQTT {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &MQTT{client: client, topic: cfg.Topic, log: log.With("topic", cfg.Topic)}
}

// PositionChanged hands the message to the client without waiting for the broker.
func (m *MQTT) PositionChanged(tpv protocol.TPV) {
	pos, ok := PositionOf(tpv)
	if !ok {
		return
	}
	payload, err := json.Marshal(pos)
	if err != nil {
		m.log.Warn("encode mqtt position", "error", err)
		return
	}
	token := m.client.Publish(m.topic, 0, true, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			m.log.Warn("mqtt publish", "error", err)
		}
	default:
	}
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
