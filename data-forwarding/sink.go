package dataforwarding

import (
	"context"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Sink is the outgoing connection of the forwarder.
type Sink interface {
	// Connect blocks until the first connection is up or ctx ends. onState
	// is called on every later connect and connection loss.
	Connect(ctx context.Context, onState func(connected bool)) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
}

// MqttConfig describes the connection to an external MQTT broker.
type MqttConfig struct {
	Broker   string        `yaml:"broker" json:"broker"`
	Username string        `yaml:"username" json:"username"`
	Password string        `yaml:"password" json:"-"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

type pahoSink struct {
	cfg    MqttConfig
	client MQTT.Client
}

// NewMqttSink returns a paho backed sink with a fresh "vcp-<uuid>" client id.
func NewMqttSink(cfg MqttConfig) Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &pahoSink{cfg: cfg}
}

func (s *pahoSink) Connect(ctx context.Context, onState func(bool)) error {
	opts := MQTT.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID("vcp-" + uuid.NewString()).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(s.cfg.Timeout).
		SetOnConnectHandler(func(MQTT.Client) {
			logrus.Infof("FWD: connected to %s", s.cfg.Broker)
			onState(true)
		}).
		SetConnectionLostHandler(func(_ MQTT.Client, err error) {
			logrus.Warnf("FWD: connection to %s lost: %v", s.cfg.Broker, err)
			onState(false)
		})
	s.client = MQTT.NewClient(opts)

	token := s.client.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pahoSink) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if s.client == nil {
		return fmt.Errorf("not connected to %s", s.cfg.Broker)
	}
	token := s.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(s.cfg.Timeout) {
		return fmt.Errorf("publish %s: timeout after %s", topic, s.cfg.Timeout)
	}
	return token.Error()
}

func (s *pahoSink) Disconnect() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}
