// Package dataforwarding mirrors channel updates to an external MQTT broker
// and keeps a change log file for selected channels.
package dataforwarding

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vcp-gateway/plugin"
)

const Name = "forwarder"

type Mode string

const (
	OnChange Mode = "on_change"
	Cyclic   Mode = "cyclic"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", OnChange:
		return OnChange, nil
	case Cyclic:
		return Cyclic, nil
	}
	return OnChange, plugin.Errorf(plugin.ErrParse, "forward mode", "unknown mode %q", s)
}

type Config struct {
	MqttConfig `yaml:",inline"`
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	Topic      string   `yaml:"topic" json:"topic"`
	Channels   []string `yaml:"channels" json:"channels"`
	Mode       string   `yaml:"mode" json:"mode"`
	// Interval is the publish period in cyclic mode.
	Interval   time.Duration `yaml:"interval" json:"interval"`
	QoS        byte          `yaml:"qos" json:"qos"`
	Retain     bool          `yaml:"retain" json:"retain"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// ChangeLog is the file receiving one line per update of LogChannels.
	ChangeLog   string   `yaml:"change_log" json:"change_log"`
	LogChannels []string `yaml:"-" json:"log_channels"`
}

// Record is the payload sent for one channel.
type Record struct {
	Channel string    `json:"channel"`
	Value   any       `json:"value"`
	Text    string    `json:"text"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
}

// Forwarder is the "forwarder" plugin.
type Forwarder struct {
	*plugin.Base
	cfg  Config
	mode Mode
	reg  *plugin.Registry
	sink Sink
	log  *ChangeLog
	gate *gate

	// outgoing messages, decoupled from the channel queues
	out plugin.Queue

	mu       sync.Mutex
	cancels  []func()
	forwards []plugin.DataChannel

	connected *plugin.Channel[bool]
	sent      *plugin.Channel[int]
	failed    *plugin.Channel[int]
	logged    *plugin.Channel[int]
}

// New validates cfg. sink may be nil when no channel is forwarded.
func New(cfg Config, reg *plugin.Registry, sink Sink) (*Forwarder, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	if mode == Cyclic && cfg.Interval <= 0 {
		return nil, plugin.Errorf(plugin.ErrParse, "forwarder", "cyclic mode needs a positive interval")
	}
	if len(cfg.Channels) > 0 && sink == nil {
		return nil, plugin.Errorf(plugin.ErrInvariant, "forwarder", "channels configured without a broker")
	}
	if cfg.Topic == "" {
		cfg.Topic = "vcp"
	}
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	f := &Forwarder{
		Base: plugin.NewBase(Name, "mqtt"),
		cfg:  cfg,
		mode: mode,
		reg:  reg,
		sink: sink,
		gate: newGate(),
	}
	if cfg.ChangeLog != "" {
		f.log = NewChangeLog(cfg.ChangeLog)
	}
	f.connected = plugin.NewChannel("connected", false)
	f.sent = plugin.NewChannel("sent", 0)
	f.failed = plugin.NewChannel("failed", 0)
	f.logged = plugin.NewChannel("logged", 0)
	for _, ch := range []plugin.DataChannel{f.connected, f.sent, f.failed, f.logged} {
		f.MustAddChannel(ch)
	}
	return f, nil
}

func (f *Forwarder) Initialise(ctx context.Context) error {
	started, err := f.Begin(ctx)
	if !started {
		return err
	}
	forwards, err := f.resolve(f.cfg.Channels)
	if err != nil {
		f.End()
		return err
	}
	logged, err := f.resolve(f.cfg.LogChannels)
	if err != nil {
		f.End()
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = forwards
	if len(forwards) > 0 {
		f.Go(f.connect)
	}
	if f.mode == OnChange {
		for _, ch := range forwards {
			f.cancels = append(f.cancels, ch.Subscribe(f.onUpdate))
		}
	} else if len(forwards) > 0 {
		f.Go(f.cycle)
	}
	if f.log != nil {
		for _, ch := range logged {
			f.cancels = append(f.cancels, ch.Subscribe(f.onLogged))
		}
	}
	logrus.Infof("FWD: forwarding %d channels (%s), logging %d", len(forwards), f.mode, len(logged))
	return nil
}

func (f *Forwarder) resolve(urls []string) ([]plugin.DataChannel, error) {
	var out []plugin.DataChannel
	for _, url := range urls {
		ch, err := f.reg.Resolve(url)
		if err != nil {
			return nil, fmt.Errorf("forward %s: %w", url, err)
		}
		out = append(out, ch)
	}
	return out, nil
}

func (f *Forwarder) Terminate() error {
	if !f.End() {
		return nil
	}
	f.mu.Lock()
	for _, cancel := range f.cancels {
		cancel()
	}
	f.cancels = nil
	f.mu.Unlock()
	f.out.Flush()
	if f.sink != nil && len(f.forwards) > 0 {
		f.sink.Disconnect()
	}
	f.setConnected(false)
	return nil
}

func (f *Forwarder) connect(ctx context.Context) {
	if err := f.sink.Connect(ctx, f.setConnected); err != nil && ctx.Err() == nil {
		logrus.Errorf("FWD: connecting to %s failed: %v", f.cfg.Broker, err)
	}
}

func (f *Forwarder) setConnected(up bool) {
	f.Do(func() error {
		f.connected.Set(up)
		return nil
	})
}

func (f *Forwarder) cycle(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.mu.Lock()
			forwards := f.forwards
			f.mu.Unlock()
			for _, ch := range forwards {
				rec := Record{
					Channel: ch.URL(),
					Value:   ch.Any(),
					Text:    ch.Text(),
					Type:    ch.ValueType().String(),
					Time:    now,
				}
				f.out.Post(func() { f.forward(rec) })
			}
		}
	}
}

func (f *Forwarder) onUpdate(u plugin.Update) {
	if !f.gate.ShouldSend(u.URL(), u.Value) {
		return
	}
	rec := Record{Channel: u.URL(), Value: u.Value, Text: u.Text, Type: u.Type, Time: u.Time}
	f.out.Post(func() { f.forward(rec) })
}

func (f *Forwarder) onLogged(u plugin.Update) {
	f.out.Post(func() {
		if err := f.log.Append(u); err != nil {
			logrus.Errorf("FWD: change log: %v", err)
			return
		}
		f.Do(func() error {
			f.logged.Set(f.logged.Value() + 1)
			return nil
		})
	})
}

// Topic maps "plugin:address" to "<topic>/plugin/address".
func (f *Forwarder) Topic(url string) string {
	return f.cfg.Topic + "/" + strings.Replace(url, ":", "/", 1)
}

func (f *Forwarder) forward(rec Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		logrus.Errorf("FWD: encoding %s: %v", rec.Channel, err)
		return
	}
	topic := f.Topic(rec.Channel)
	delay := f.cfg.RetryDelay
	for i := 0; ; i++ {
		err = f.sink.Publish(topic, f.cfg.QoS, f.cfg.Retain, payload)
		if err == nil || i == f.cfg.MaxRetries-1 || f.Context().Err() != nil {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	f.Do(func() error {
		if err != nil {
			f.failed.Set(f.failed.Value() + 1)
		} else {
			f.sent.Set(f.sent.Value() + 1)
		}
		return nil
	})
	if err != nil {
		logrus.Errorf("FWD: forwarding %s failed: %v", rec.Channel, err)
	}
}

// gate decides whether a value is forwarded. In on-change mode only values
// that differ from the last one sent pass.
type gate struct {
	mu   sync.Mutex
	last map[string]any
}

func newGate() *gate {
	return &gate{last: make(map[string]any)}
}

func (g *gate) ShouldSend(url string, value any) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.last[url]; ok && reflect.DeepEqual(prev, value) {
		return false
	}
	g.last[url] = value
	return true
}
