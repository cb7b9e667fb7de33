// Package status provides the "status" plugin: host metrics polled in the
// background and the operator machine state set from outside.
package status

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"vcp-gateway/plugin"
)

const Name = "status"

// TaskModes are the accepted values of the task_mode channel.
var TaskModes = []string{"manual", "auto", "mdi"}

type Config struct {
	Interval time.Duration
}

type Plugin struct {
	*plugin.Base
	cfg     Config
	sampler Sampler

	cpu        *plugin.Channel[float64]
	memory     *plugin.Channel[float64]
	uptime     *plugin.Channel[int]
	processRSS *plugin.Channel[int]

	toolInSpindle *plugin.Channel[int]
	pocketPrepped *plugin.Channel[int]
	estop         *plugin.Channel[bool]
	taskMode      *plugin.Channel[string]
	position      *plugin.Channel[[]any]
}

// New builds the plugin. sampler may be nil, then no host metrics are polled.
func New(cfg Config, sampler Sampler) *Plugin {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	p := &Plugin{Base: plugin.NewBase(Name, "status"), cfg: cfg, sampler: sampler}

	round := func(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) }
	p.cpu = plugin.NewChannel("cpu_percent", 0.0, plugin.WithText(round))
	p.memory = plugin.NewChannel("mem_percent", 0.0, plugin.WithText(round))
	p.uptime = plugin.NewChannel("uptime", 0, plugin.WithText(func(sec int) string {
		return (time.Duration(sec) * time.Second).String()
	}))
	p.processRSS = plugin.NewChannel("process_rss", 0)

	p.toolInSpindle = plugin.NewChannel("tool_in_spindle", 0)
	p.pocketPrepped = plugin.NewChannel("pocket_prepped", 0)
	p.estop = plugin.NewChannel("estop", true, plugin.WithText(func(on bool) string {
		if on {
			return "ESTOP"
		}
		return "RESET"
	}))
	p.taskMode = plugin.NewChannel("task_mode", "manual")
	p.position = plugin.NewChannel("position", []any{0.0, 0.0, 0.0}, plugin.WithQuery[[]any]("axes", func() any { return 3 }))

	plugin.Assignable(p.Base, p.toolInSpindle)
	plugin.Assignable(p.Base, p.pocketPrepped)
	plugin.Assignable(p.Base, p.estop)
	p.taskMode.OnAssign(func(mode string) error {
		mode = strings.ToLower(mode)
		if !validMode(mode) {
			return plugin.Errorf(plugin.ErrParse, "task_mode", "unknown task mode %q, expected one of %s", mode, strings.Join(TaskModes, ", "))
		}
		return p.Do(func() error {
			p.taskMode.Set(mode)
			return nil
		})
	})
	p.position.OnAssign(func(v []any) error {
		pos, err := toPosition(v)
		if err != nil {
			return err
		}
		return p.Do(func() error {
			p.position.Set(pos)
			return nil
		})
	})

	for _, ch := range []plugin.DataChannel{
		p.cpu, p.memory, p.uptime, p.processRSS,
		p.toolInSpindle, p.pocketPrepped, p.estop, p.taskMode, p.position,
	} {
		p.MustAddChannel(ch)
	}
	return p
}

func validMode(mode string) bool {
	for _, m := range TaskModes {
		if m == mode {
			return true
		}
	}
	return false
}

func toPosition(v []any) ([]any, error) {
	if len(v) != 3 {
		return nil, plugin.Errorf(plugin.ErrParse, "position", "expected 3 coordinates, got %d", len(v))
	}
	out := make([]any, 3)
	for i, c := range v {
		f, err := plugin.Coerce(plugin.Float, c)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func (p *Plugin) Initialise(ctx context.Context) error {
	if p.sampler == nil {
		_, err := p.Begin(ctx)
		return err
	}
	_, err := p.Begin(ctx, p.poll)
	return err
}

func (p *Plugin) poll(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		p.Sample(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sample takes one reading and publishes it.
func (p *Plugin) Sample(ctx context.Context) error {
	s, err := p.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logrus.Warnf("STATUS: sampling host metrics failed: %v", err)
		}
		return err
	}
	return p.Do(func() error {
		p.cpu.Set(s.CPUPercent)
		p.memory.Set(s.MemPercent)
		p.uptime.Set(int(s.Uptime / time.Second))
		p.processRSS.Set(int(s.ProcessRSS))
		return nil
	})
}
