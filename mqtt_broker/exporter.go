package mqtt_broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	MQTT "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/sirupsen/logrus"

	"vcp-gateway/plugin"
)

const Name = "mqtt"

const (
	DefaultPrefix = "vcp"
	// subscription id of the inline client for /set messages
	setSubscriptionID = 41
)

// Broker is the part of the embedded server the exporter needs. *MQTT.Server
// implements it.
type Broker interface {
	Publish(topic string, payload []byte, retain bool, qos byte) error
	Subscribe(filter string, subscriptionId int, handler MQTT.InlineSubFn) error
	Unsubscribe(filter string, subscriptionId int) error
}

// Message is the retained payload of a channel topic.
type Message struct {
	Value any       `json:"value"`
	Text  string    `json:"text"`
	Type  string    `json:"type"`
	Time  time.Time `json:"time"`
}

type ExporterConfig struct {
	Prefix string
	// Backoff is the first retry delay of state publications; it doubles on
	// every retry.
	Backoff    time.Duration
	MaxRetries int
}

// Exporter publishes every registry channel as a retained topic and routes
// "<prefix>/<plugin>/<address>/set" messages back to the channel.
type Exporter struct {
	*plugin.Base
	cfg    ExporterConfig
	broker Broker
	reg    *plugin.Registry

	mu      sync.Mutex
	cancels []func()

	published *plugin.Channel[int]
	rejected  *plugin.Channel[int]
}

func NewExporter(cfg ExporterConfig, broker Broker, reg *plugin.Registry) *Exporter {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	e := &Exporter{
		Base:   plugin.NewBase(Name, "mqtt"),
		cfg:    cfg,
		broker: broker,
		reg:    reg,
	}
	e.published = plugin.NewChannel("published", 0)
	e.rejected = plugin.NewChannel("rejected", 0)
	e.MustAddChannel(e.published)
	e.MustAddChannel(e.rejected)
	return e
}

// Topic returns the value topic of a channel.
func (e *Exporter) Topic(ch plugin.DataChannel) string {
	return e.cfg.Prefix + "/" + ch.Plugin() + "/" + ch.Address()
}

func (e *Exporter) Initialise(ctx context.Context) error {
	started, err := e.Begin(ctx)
	if !started {
		return err
	}
	if err := e.broker.Subscribe(e.cfg.Prefix+"/+/+/set", setSubscriptionID, e.onSet); err != nil {
		e.End()
		return plugin.Wrap(plugin.ErrStorage, "mqtt subscribe", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for _, p := range e.reg.Plugins() {
		if p.Name() == e.Name() {
			continue
		}
		for _, ch := range p.Channels() {
			e.publish(e.Topic(ch), Message{
				Value: ch.Any(),
				Text:  ch.Text(),
				Type:  ch.ValueType().String(),
				Time:  time.Now(),
			})
			topic := e.Topic(ch)
			e.cancels = append(e.cancels, ch.Subscribe(func(u plugin.Update) {
				e.publish(topic, Message{Value: u.Value, Text: u.Text, Type: u.Type, Time: u.Time})
			}))
			count++
		}
	}
	logrus.Infof("MQTT: exporting %d channels below %s/", count, e.cfg.Prefix)
	return nil
}

func (e *Exporter) Terminate() error {
	if !e.End() {
		return nil
	}
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
	e.mu.Unlock()
	if err := e.broker.Unsubscribe(e.cfg.Prefix+"/+/+/set", setSubscriptionID); err != nil {
		return plugin.Wrap(plugin.ErrStorage, "mqtt unsubscribe", err)
	}
	return nil
}

func (e *Exporter) publish(topic string, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logrus.Errorf("MQTT: encoding %s: %v", topic, err)
		return
	}
	if err := e.broker.Publish(topic, payload, true, 0); err != nil {
		logrus.Errorf("MQTT: publishing %s: %v", topic, err)
		return
	}
	e.Do(func() error {
		e.published.Set(e.published.Value() + 1)
		return nil
	})
}

func (e *Exporter) onSet(_ *MQTT.Client, _ packets.Subscription, pk packets.Packet) {
	if err := e.Assign(pk.TopicName, pk.Payload); err != nil {
		logrus.Warnf("MQTT: rejected %s: %v", pk.TopicName, err)
		e.Do(func() error {
			e.rejected.Set(e.rejected.Value() + 1)
			return nil
		})
	}
}

// Assign routes one set message to its channel. The payload is JSON; a
// payload that is not valid JSON is taken as a plain string.
func (e *Exporter) Assign(topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, e.cfg.Prefix+"/")
	if ok {
		rest, ok = strings.CutSuffix(rest, "/set")
	}
	name, address, found := strings.Cut(rest, "/")
	if !ok || !found || name == "" || address == "" {
		return plugin.Errorf(plugin.ErrParse, "mqtt set", "unexpected topic %q", topic)
	}
	if name == e.Name() {
		return plugin.Errorf(plugin.ErrReadOnly, "mqtt set", "%s is read only", topic)
	}
	ch, err := e.reg.Resolve(name + ":" + address)
	if err != nil {
		return err
	}
	return ch.HandleAssignment("value", DecodePayload(payload))
}

// DecodePayload decodes a JSON payload keeping numbers as json.Number.
func DecodePayload(payload []byte) any {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return string(payload)
	}
	if m, ok := v.(map[string]any); ok {
		if inner, ok := m["value"]; ok && len(m) == 1 {
			return inner
		}
	}
	return v
}

// PublishState publishes the lifecycle state of a plugin retained on
// "<prefix>/states/<plugin>".
func (e *Exporter) PublishState(pluginName, state string) error {
	return publishWithBackoff(e.broker, e.cfg.Prefix+"/states/"+pluginName, state, e.cfg.MaxRetries, e.cfg.Backoff)
}

// publishWithBackoff retries the publish with exponential backoff.
func publishWithBackoff(broker Broker, topic string, payload string, maxRetries int, backoff time.Duration) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = broker.Publish(topic, []byte(payload), true, 1); err == nil {
			return nil
		}
		if i < maxRetries-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return fmt.Errorf("publish %s failed after %d retries: %w", topic, maxRetries, err)
}
