// Package mqttsink publishes bench notifications to an MQTT broker.
package mqttsink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/plscan/config"
	"github.com/timzifer/plscan/notify"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
	connectWait   = 30 * time.Second
	disconnectMs  = 250
)

// Publisher is the subset of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Sink publishes every event as JSON to <prefix>/<kind>. The availability
// topic <prefix>/status is set to online on connect and offline on close,
// with the broker's last will covering unclean exits.
type Sink struct {
	client  Publisher
	prefix  string
	qos     byte
	retain  bool
	timeout time.Duration
	logger  zerolog.Logger
}

// New connects to the broker described by cfg.
func New(cfg config.MQTTConfig, logger zerolog.Logger) (*Sink, error) {
	s := newSink(nil, cfg, logger)
	client, err := buildClient(cfg, s.logger, s.statusTopic(), func(c mqtt.Client) {
		c.Publish(s.statusTopic(), s.qos, true, statusOnline)
	})
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}

// NewWithClient wraps an existing client, mostly for tests.
func NewWithClient(client Publisher, cfg config.MQTTConfig, logger zerolog.Logger) *Sink {
	return newSink(client, cfg, logger)
}

func newSink(client Publisher, cfg config.MQTTConfig, logger zerolog.Logger) *Sink {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "plscan"
	}
	return &Sink{
		client:  client,
		prefix:  prefix,
		qos:     byte(cfg.QoS),
		retain:  cfg.Retain,
		timeout: timeout,
		logger:  logger.With().Str("component", "mqtt").Logger(),
	}
}

func buildClient(cfg config.MQTTConfig, logger zerolog.Logger, willTopic string, onConnect mqtt.OnConnectHandler) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(cfg.Timeout.Duration)
	opts.SetAutoReconnect(true)
	opts.SetWill(willTopic, statusOffline, byte(cfg.QoS), true)
	opts.OnConnect = onConnect
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt: connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info().Msg("mqtt: reconnecting")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectWait) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}
	return client, nil
}

func (s *Sink) statusTopic() string { return s.prefix + "/status" }

// Topic returns the topic an event is published to.
func (s *Sink) Topic(ev notify.Event) string {
	return s.prefix + "/" + string(ev.Kind)
}

// Name implements notify.Sink.
func (s *Sink) Name() string { return "mqtt" }

// Publish implements notify.Sink.
func (s *Sink) Publish(ev notify.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("mqtt: encode %s: %w", ev.Kind, err)
	}
	return s.publish(s.Topic(ev), payload, s.retain)
}

func (s *Sink) publish(topic string, payload interface{}, retain bool) error {
	token := s.client.Publish(topic, s.qos, retain, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("mqtt: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Close marks the bench offline and disconnects.
func (s *Sink) Close() error {
	err := s.publish(s.statusTopic(), statusOffline, true)
	s.client.Disconnect(disconnectMs)
	return err
}
