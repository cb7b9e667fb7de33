// Package hal exposes machine pins as channels of the "hal" plugin. Polled
// pins read a Source on their own worker and push changes through the plugin
// writer; manual pins are set from outside through HandleAssignment.
package hal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vcp-gateway/plugin"
)

const Name = "hal"

const DefaultInterval = 100 * time.Millisecond

// PinType is the HAL type of a pin.
type PinType int

const (
	Float PinType = iota
	S32
	Bit
)

func ParsePinType(s string) (PinType, error) {
	switch strings.ToLower(s) {
	case "", "float":
		return Float, nil
	case "s32", "u32":
		return S32, nil
	case "bit", "bool":
		return Bit, nil
	}
	return Float, plugin.Errorf(plugin.ErrParse, "pin type", "unknown pin type %q", s)
}

func (t PinType) String() string {
	switch t {
	case S32:
		return "s32"
	case Bit:
		return "bit"
	}
	return "float"
}

// Manual is the source kind of pins without a polled source.
const Manual = "manual"

// PinConfig describes one pin.
type PinConfig struct {
	Name      string        `yaml:"name" json:"name"`
	Type      string        `yaml:"type" json:"type"`
	Source    string        `yaml:"source" json:"source"`
	Address   string        `yaml:"address" json:"address"`
	Interval  time.Duration `yaml:"interval" json:"interval"`
	LogChange bool          `yaml:"log_change" json:"log_change"`
}

// Source is a pollable numeric input.
type Source interface {
	Read(ctx context.Context) (float64, error)
	Close() error
}

// Opener creates the source for a polled pin.
type Opener func(PinConfig) (Source, error)

type pin struct {
	cfg PinConfig
	typ PinType
	ch  plugin.DataChannel
	set func(float64) bool
	src Source
}

// Plugin holds the configured pins.
type Plugin struct {
	*plugin.Base
	open Opener

	mu   sync.Mutex
	pins []*pin
}

// New validates the pin list and creates one channel per pin. open may be
// nil when every pin is manual.
func New(pins []PinConfig, open Opener) (*Plugin, error) {
	p := &Plugin{Base: plugin.NewBase(Name, "hal"), open: open}
	for _, cfg := range pins {
		if cfg.Name == "" {
			return nil, plugin.Errorf(plugin.ErrParse, "hal", "pin without name")
		}
		typ, err := ParsePinType(cfg.Type)
		if err != nil {
			return nil, err
		}
		if cfg.Source == "" {
			cfg.Source = Manual
		}
		if cfg.Source != Manual && open == nil {
			return nil, plugin.Errorf(plugin.ErrInvariant, "hal", "pin %s: no source opener for %q", cfg.Name, cfg.Source)
		}
		if cfg.Interval <= 0 {
			cfg.Interval = DefaultInterval
		}
		pn := p.newPin(cfg, typ)
		if err := p.AddChannel(pn.ch); err != nil {
			return nil, err
		}
		if cfg.LogChange {
			pn.ch.Subscribe(func(u plugin.Update) {
				logrus.Infof("HAL: %s changed to %s", u.URL(), u.Text)
			})
		}
		p.pins = append(p.pins, pn)
	}
	return p, nil
}

func (p *Plugin) newPin(cfg PinConfig, typ PinType) *pin {
	pn := &pin{cfg: cfg, typ: typ}
	manual := cfg.Source == Manual
	switch typ {
	case S32:
		ch := plugin.NewChannel(cfg.Name, 0)
		pn.ch, pn.set = ch, func(v float64) bool { return ch.Set(int(math.Trunc(v))) }
		if manual {
			plugin.Assignable(p.Base, ch)
		}
	case Bit:
		ch := plugin.NewChannel(cfg.Name, false)
		pn.ch, pn.set = ch, func(v float64) bool { return ch.Set(v != 0) }
		if manual {
			plugin.Assignable(p.Base, ch)
		}
	default:
		ch := plugin.NewChannel(cfg.Name, 0.0)
		pn.ch, pn.set = ch, func(v float64) bool { return ch.Set(v) }
		if manual {
			plugin.Assignable(p.Base, ch)
		}
	}
	return pn
}

// Pins returns the effective pin configuration.
func (p *Plugin) Pins() []PinConfig {
	out := make([]PinConfig, len(p.pins))
	for i, pn := range p.pins {
		out[i] = pn.cfg
	}
	return out
}

// ChangeLogged returns the channels of pins configured with log_change.
func (p *Plugin) ChangeLogged() []plugin.DataChannel {
	var out []plugin.DataChannel
	for _, pn := range p.pins {
		if pn.cfg.LogChange {
			out = append(out, pn.ch)
		}
	}
	return out
}

// Initialise opens the sources of all polled pins and starts one poll worker
// per pin. A source that cannot be opened fails the whole plugin.
func (p *Plugin) Initialise(ctx context.Context) error {
	started, err := p.Begin(ctx)
	if !started {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pn := range p.pins {
		if pn.cfg.Source == Manual {
			continue
		}
		src, err := p.open(pn.cfg)
		if err != nil {
			p.closeSources()
			p.End()
			return fmt.Errorf("pin %s: %w", pn.cfg.Name, err)
		}
		pn.src = src
	}
	for _, pn := range p.pins {
		if pn.src != nil {
			pn := pn
			p.Go(func(ctx context.Context) { p.poll(ctx, pn) })
		}
	}
	logrus.Infof("HAL: %d pins ready", len(p.pins))
	return nil
}

func (p *Plugin) Terminate() error {
	if !p.End() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeSources()
}

func (p *Plugin) closeSources() error {
	var errs []error
	for _, pn := range p.pins {
		if pn.src == nil {
			continue
		}
		if err := pn.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pin %s: %w", pn.cfg.Name, err))
		}
		pn.src = nil
	}
	if len(errs) > 0 {
		return plugin.Wrap(plugin.ErrStorage, "hal close", errors.Join(errs...))
	}
	return nil
}

// poll reads the source at the pin interval. A failed read keeps the last
// value; only the first failure and the recovery are logged.
func (p *Plugin) poll(ctx context.Context, pn *pin) {
	ticker := time.NewTicker(pn.cfg.Interval)
	defer ticker.Stop()
	failing := false
	for {
		v, err := pn.src.Read(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			if !failing {
				logrus.Errorf("HAL: reading %s from %s %s failed: %v", pn.cfg.Name, pn.cfg.Source, pn.cfg.Address, err)
			}
			failing = true
		default:
			if failing {
				logrus.Infof("HAL: %s is readable again", pn.cfg.Name)
			}
			failing = false
			p.Do(func() error {
				pn.set(v)
				return nil
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
