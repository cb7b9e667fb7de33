// Package atc drives the automatic tool changer carousel view: it infers
// rotation from raw carousel position feedback and redraws the pockets
// whenever the tool table changes.
package atc

import (
	"context"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"vcp-gateway/plugin"
)

const Name = "atc"

// ToolTable is the part of the tool table the controller reads.
type ToolTable interface {
	PocketOf(tool int) (int, bool)
}

type Config struct {
	// ParameterFile is the RS274NGC parameter file holding the pocket slots.
	ParameterFile string
	// PositionChannel is the URL of the raw carousel position, e.g.
	// "hal:carpos.out".
	PositionChannel string
	// ToolTableChannel triggers a reload when it changes, e.g. "tooltable:table".
	ToolTableChannel string
	// PocketPreppedChannel is optional, e.g. "status:pocket_prepped".
	PocketPreppedChannel string
	Mode                 DirectionMode
}

// Controller runs the carousel state machine as a plugin. Samples, reloads
// and prepped pockets are processed one at a time in arrival order, and their
// events are delivered in the same order.
type Controller struct {
	*plugin.Base
	cfg   Config
	reg   *plugin.Registry
	tools ToolTable

	carousel *Carousel
	seq      int

	subMu     sync.Mutex
	listeners []func(Event)
	events    plugin.Queue
	cancels   []func()

	position  *plugin.Channel[int]
	direction *plugin.Channel[int]
	pockets   *plugin.Channel[map[string]any]
	lastEvent *plugin.Channel[map[string]any]
}

// New builds the controller. reg resolves the configured channels on
// Initialise; tools may be nil when no tool table is available.
func New(cfg Config, reg *plugin.Registry, tools ToolTable) *Controller {
	c := &Controller{
		Base:     plugin.NewBase(Name, "atc"),
		cfg:      cfg,
		reg:      reg,
		tools:    tools,
		carousel: NewCarousel(cfg.Mode),
	}
	c.position = plugin.NewChannel("position", 0)
	c.direction = plugin.NewChannel("direction", 0)
	c.pockets = plugin.NewChannel("pockets", map[string]any{})
	c.lastEvent = plugin.NewChannel("event", map[string]any{}, plugin.WithTriggerable[map[string]any]())
	for _, ch := range []plugin.DataChannel{c.position, c.direction, c.pockets, c.lastEvent} {
		c.MustAddChannel(ch)
	}
	return c
}

// OnEvent registers fn for every emitted event.
func (c *Controller) OnEvent(fn func(Event)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Flush waits until all events emitted so far have been delivered.
func (c *Controller) Flush() {
	c.events.Flush()
}

func (c *Controller) Initialise(ctx context.Context) error {
	started, err := c.Begin(ctx)
	if !started {
		return err
	}
	if c.cfg.ParameterFile != "" {
		if err := c.Reload(); err != nil {
			logrus.Errorf("ATC: initial tool load failed: %v", err)
		}
	}
	if c.reg == nil {
		return nil
	}
	if url := c.cfg.PositionChannel; url != "" {
		ch, err := c.reg.Resolve(url)
		if err != nil {
			c.End()
			return err
		}
		c.cancels = append(c.cancels, ch.Subscribe(func(u plugin.Update) {
			v, err := plugin.Coerce(plugin.Float, u.Value)
			if err != nil {
				logrus.Warnf("ATC: ignoring position %v: %v", u.Value, err)
				return
			}
			c.Feed(v.(float64))
		}))
	}
	if url := c.cfg.ToolTableChannel; url != "" && c.cfg.ParameterFile != "" {
		ch, err := c.reg.Resolve(url)
		if err != nil {
			c.End()
			return err
		}
		c.cancels = append(c.cancels, ch.Subscribe(func(plugin.Update) {
			if err := c.Reload(); err != nil {
				logrus.Errorf("ATC: tool reload failed: %v", err)
			}
		}))
	}
	if url := c.cfg.PocketPreppedChannel; url != "" {
		ch, err := c.reg.Resolve(url)
		if err != nil {
			c.End()
			return err
		}
		c.cancels = append(c.cancels, ch.Subscribe(func(u plugin.Update) {
			v, err := plugin.Coerce(plugin.Int, u.Value)
			if err != nil {
				logrus.Warnf("ATC: ignoring prepped pocket %v: %v", u.Value, err)
				return
			}
			c.PocketPrepped(v.(int))
		}))
	}
	return nil
}

func (c *Controller) Terminate() error {
	if !c.End() {
		return nil
	}
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	c.events.Flush()
	return nil
}

// emit queues events for delivery and publishes the carousel state. It runs
// on the writer.
func (c *Controller) emit(events []Event) {
	for _, e := range events {
		c.seq++
		logrus.Debugf("ATC: %s", e)
		c.lastEvent.Set(map[string]any{
			"seq":      c.seq,
			"kind":     e.Kind.String(),
			"position": e.Position,
			"pocket":   e.Pocket,
			"tool":     e.Tool,
			"previous": e.Previous,
		})
		c.subMu.Lock()
		listeners := append([]func(Event){}, c.listeners...)
		c.subMu.Unlock()
		if len(listeners) == 0 {
			continue
		}
		e := e
		c.events.Post(func() {
			for _, fn := range listeners {
				fn(e)
			}
		})
	}
	c.position.Set(c.carousel.Position())
	c.direction.Set(c.carousel.Direction())
}

// Feed processes one raw carousel position sample.
func (c *Controller) Feed(sample float64) []Event {
	var events []Event
	c.Do(func() error {
		events = c.carousel.Rotate(sample)
		c.emit(events)
		return nil
	})
	return events
}

// Reload rereads the parameter file and redraws the carousel. A failed read
// leaves the previous mapping in place and emits nothing.
func (c *Controller) Reload() error {
	params, err := LoadParameters(c.cfg.ParameterFile)
	if err != nil {
		return err
	}
	_, err = c.LoadParameters(params)
	return err
}

// LoadParameters rebuilds the pocket mapping from parameter values.
func (c *Controller) LoadParameters(params map[int]float64) ([]Event, error) {
	pockets, err := PocketMap(params)
	if err != nil {
		return nil, err
	}
	return c.LoadPockets(pockets), nil
}

// LoadPockets replaces the pocket mapping and emits the redraw.
func (c *Controller) LoadPockets(pockets map[int]int) []Event {
	var events []Event
	c.Do(func() error {
		events = c.carousel.SetPockets(pockets)
		mapping := make(map[string]any, Pockets)
		for p, t := range c.carousel.Pockets() {
			mapping[strconv.Itoa(p)] = t
		}
		c.pockets.Set(mapping)
		c.emit(events)
		return nil
	})
	logrus.Infof("ATC: loaded %d pockets", Pockets)
	return events
}

// PocketPrepped handles the tool changer preparing pocket; -1 hides the tool
// at the current carousel position.
func (c *Controller) PocketPrepped(pocket int) []Event {
	var events []Event
	c.Do(func() error {
		events = c.carousel.PocketPrepped(pocket, func(tool int) (int, bool) {
			if c.tools == nil {
				return 0, false
			}
			return c.tools.PocketOf(tool)
		})
		c.emit(events)
		return nil
	})
	return events
}

// AtcPosition is the logical carousel slot.
func (c *Controller) AtcPosition() int {
	return c.position.Value()
}
