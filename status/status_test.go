package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcp-gateway/plugin"
)

type fixedSampler struct {
	s   Sample
	err error
}

func (f fixedSampler) Sample(context.Context) (Sample, error) { return f.s, f.err }

func query(t *testing.T, p *Plugin, address, name string) any {
	t.Helper()
	ch, err := p.Channel(address)
	require.NoError(t, err)
	v, err := ch.HandleQuery(name)
	require.NoError(t, err)
	return v
}

func TestSamplePublishesHostMetrics(t *testing.T) {
	p := New(Config{}, fixedSampler{s: Sample{
		CPUPercent: 12.345,
		MemPercent: 50,
		Uptime:     time.Hour + 2*time.Minute + 3*time.Second,
		ProcessRSS: 4096,
	}})
	require.NoError(t, p.Sample(context.Background()))

	assert.Equal(t, 12.345, query(t, p, "cpu_percent", "value"))
	assert.Equal(t, "12.3", query(t, p, "cpu_percent", "text"))
	assert.Equal(t, 3723, query(t, p, "uptime", "value"))
	assert.Equal(t, "1h2m3s", query(t, p, "uptime", "text"))
	assert.Equal(t, 4096, query(t, p, "process_rss", "value"))
}

func TestSampleFailureKeepsValues(t *testing.T) {
	p := New(Config{}, fixedSampler{err: errors.New("no /proc")})
	assert.Error(t, p.Sample(context.Background()))
	assert.Equal(t, 0.0, query(t, p, "mem_percent", "value"))
}

func TestPollingWorker(t *testing.T) {
	p := New(Config{Interval: time.Millisecond}, fixedSampler{s: Sample{MemPercent: 42}})
	require.NoError(t, p.Initialise(context.Background()))
	defer p.Terminate()
	ch, _ := p.Channel("mem_percent")
	require.Eventually(t, func() bool { return ch.Any() == 42.0 }, time.Second, time.Millisecond)
}

func TestMachineStateAssignments(t *testing.T) {
	p := New(Config{}, nil)
	require.NoError(t, p.Initialise(context.Background()))
	defer p.Terminate()

	estop, _ := p.Channel("estop")
	assert.Equal(t, "ESTOP", estop.Text())
	require.NoError(t, estop.HandleAssignment("value", "false"))
	assert.Equal(t, "RESET", estop.Text())

	mode, _ := p.Channel("task_mode")
	require.NoError(t, mode.HandleAssignment("value", "MDI"))
	assert.Equal(t, "mdi", mode.Any())
	assert.ErrorIs(t, mode.HandleAssignment("value", "jog"), plugin.ErrParse)
	assert.Equal(t, "mdi", mode.Any())

	pos, _ := p.Channel("position")
	require.NoError(t, pos.HandleAssignment("value", []any{1, "2.5", 3.0}))
	assert.Equal(t, []any{1.0, 2.5, 3.0}, pos.Any())
	assert.ErrorIs(t, pos.HandleAssignment("value", []any{1, 2}), plugin.ErrParse)
	assert.Equal(t, 3, query(t, p, "position", "axes"))

	tool, _ := p.Channel("tool_in_spindle")
	require.NoError(t, tool.HandleAssignment("value", 7))
	assert.ErrorIs(t, tool.HandleAssignment("value", 7.5), plugin.ErrTypeMismatch)

	cpu, _ := p.Channel("cpu_percent")
	assert.ErrorIs(t, cpu.HandleAssignment("value", 1.0), plugin.ErrReadOnly)
}
