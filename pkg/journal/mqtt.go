package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"Droidlink/pkg/config"
	"Droidlink/pkg/logging"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttPublishTimeout    = 5 * time.Second
	mqttDisconnectQuiesce = 500 // milliseconds
	mqttKeepAlive         = 60 * time.Second
)

// Publisher forwards events to an MQTT broker as JSON, one topic per
// device and kind: <prefix>/<serial>/<kind>.
type Publisher struct {
	client pahomqtt.Client
	prefix string
	qos    byte

	dropped atomic.Int64
}

// buildClientOptions creates paho options from the mqtt config section.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logging.Warn("mqtt").Err(err).Msg("Broker connection lost")
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		logging.Info("mqtt").Str("broker", cfg.Host).Msg("Connected to broker")
	})
	return opts
}

// ConnectPublisher connects to the broker described by cfg.
func ConnectPublisher(cfg config.MQTTConfig) (*Publisher, error) {
	client := pahomqtt.NewClient(buildClientOptions(cfg))
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %v", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return NewPublisher(client, cfg.TopicPrefix, byte(cfg.QoS)), nil
}

// NewPublisher wraps an already connected client.
func NewPublisher(client pahomqtt.Client, prefix string, qos byte) *Publisher {
	return &Publisher{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
	}
}

// Topic returns the topic an event is published on
func (p *Publisher) Topic(e Event) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, topicSafe(e.Serial), e.Kind)
}

// topicSafe replaces characters with a meaning in MQTT topic filters.
func topicSafe(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// Record publishes e without waiting for the broker. Events are dropped while
// the client is disconnected.
func (p *Publisher) Record(e Event) {
	if !p.client.IsConnected() {
		p.dropped.Add(1)
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		logging.Warn("mqtt").Err(err).Str("id", e.ID).Msg("Cannot encode event")
		return
	}
	token := p.client.Publish(p.Topic(e), p.qos, false, payload)
	go func() {
		if !token.WaitTimeout(mqttPublishTimeout) {
			p.dropped.Add(1)
			logging.Debug("mqtt").Str("id", e.ID).Msg("Publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			p.dropped.Add(1)
			logging.Warn("mqtt").Err(err).Str("id", e.ID).Msg("Publish failed")
		}
	}()
}

// Dropped returns how many events could not be published
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Close disconnects from the broker
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Disconnect(mqttDisconnectQuiesce)
	}
}
