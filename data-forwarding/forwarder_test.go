package dataforwarding

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcp-gateway/plugin"
)

type sent struct {
	topic   string
	payload []byte
}

type fakeSink struct {
	mu        sync.Mutex
	messages  []sent
	fails     int
	onState   func(bool)
	closed    bool
	connected chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{connected: make(chan struct{})}
}

func (s *fakeSink) Connect(ctx context.Context, onState func(bool)) error {
	s.mu.Lock()
	s.onState = onState
	s.mu.Unlock()
	onState(true)
	close(s.connected)
	return nil
}

func (s *fakeSink) Publish(topic string, qos byte, retained bool, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("not connected")
	}
	s.messages = append(s.messages, sent{topic, payload})
	return nil
}

func (s *fakeSink) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) records(t *testing.T) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, m := range s.messages {
		var r Record
		require.NoError(t, json.Unmarshal(m.payload, &r))
		out = append(out, r)
	}
	return out
}

func (s *fakeSink) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.messages {
		out = append(out, m.topic)
	}
	return out
}

type spindle struct {
	*plugin.Base
	speed *plugin.Channel[float64]
	load  *plugin.Channel[int]
}

func newSpindle(t *testing.T) (*plugin.Registry, *spindle) {
	s := &spindle{Base: plugin.NewBase("hal", "test")}
	s.speed = plugin.NewChannel("spindle.speed", 0.0)
	s.load = plugin.NewChannel("spindle.load", 0, plugin.WithTriggerable[int]())
	s.MustAddChannel(s.speed)
	s.MustAddChannel(s.load)
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(s))
	return reg, s
}

func (s *spindle) set(v float64) {
	s.Do(func() error {
		s.speed.Set(v)
		return nil
	})
}

func start(t *testing.T, reg *plugin.Registry, f *Forwarder) {
	t.Helper()
	require.NoError(t, reg.Register(f))
	require.NoError(t, reg.InitialiseAll(context.Background()))
	t.Cleanup(func() { reg.TerminateAll() })
}

func TestForwardOnChange(t *testing.T) {
	reg, sp := newSpindle(t)
	sink := newFakeSink()
	f, err := New(Config{Channels: []string{"hal:spindle.speed"}, RetryDelay: time.Millisecond}, reg, sink)
	require.NoError(t, err)
	start(t, reg, f)

	<-sink.connected
	require.Eventually(t, func() bool { return f.connected.Value() }, time.Second, time.Millisecond)

	sp.set(1200)
	sp.set(1500)
	sp.speed.Flush()
	f.out.Flush()

	recs := sink.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, "hal:spindle.speed", recs[0].Channel)
	assert.Equal(t, 1200.0, recs[0].Value)
	assert.Equal(t, "1500", recs[1].Text)
	assert.Equal(t, []string{"vcp/hal/spindle.speed", "vcp/hal/spindle.speed"}, sink.topics())
	assert.Equal(t, 2, f.sent.Value())
}

func TestForwardRetriesThenCountsFailure(t *testing.T) {
	reg, sp := newSpindle(t)
	sink := newFakeSink()
	sink.fails = 2
	f, err := New(Config{Channels: []string{"hal:spindle.speed"}, MaxRetries: 3, RetryDelay: time.Millisecond}, reg, sink)
	require.NoError(t, err)
	start(t, reg, f)

	sp.set(1)
	sp.speed.Flush()
	f.out.Flush()
	assert.Len(t, sink.records(t), 1)
	assert.Equal(t, 1, f.sent.Value())

	sink.mu.Lock()
	sink.fails = 5
	sink.mu.Unlock()
	sp.set(2)
	sp.speed.Flush()
	f.out.Flush()
	assert.Equal(t, 1, f.failed.Value())
}

func TestForwardCyclic(t *testing.T) {
	reg, sp := newSpindle(t)
	sink := newFakeSink()
	f, err := New(Config{
		Channels: []string{"hal:spindle.speed", "hal:spindle.load"},
		Mode:     "cyclic",
		Interval: 5 * time.Millisecond,
		Topic:    "plant/cell4/",
	}, reg, sink)
	require.NoError(t, err)
	sp.set(800)
	start(t, reg, f)

	require.Eventually(t, func() bool { return len(sink.topics()) >= 4 }, time.Second, time.Millisecond)
	topics := sink.topics()
	assert.Equal(t, "plant/cell4/hal/spindle.speed", topics[0])
	assert.Equal(t, "plant/cell4/hal/spindle.load", topics[1])
	assert.Equal(t, 800.0, sink.records(t)[0].Value)
}

func TestChangeLogLines(t *testing.T) {
	reg, sp := newSpindle(t)
	path := filepath.Join(t.TempDir(), "changes.log")
	f, err := New(Config{ChangeLog: path, LogChannels: []string{"hal:spindle.speed"}}, reg, nil)
	require.NoError(t, err)
	start(t, reg, f)

	sp.set(10)
	sp.set(20)
	sp.speed.Flush()
	f.out.Flush()
	require.NoError(t, reg.TerminateAll())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Channel: hal:spindle.speed, Value: 10, Type: float")
	assert.Contains(t, lines[1], "Value: 20")
	assert.Equal(t, 2, f.logged.Value())
}

func TestNewValidation(t *testing.T) {
	reg, _ := newSpindle(t)

	_, err := New(Config{Mode: "sometimes"}, reg, nil)
	assert.ErrorIs(t, err, plugin.ErrParse)
	_, err = New(Config{Mode: "cyclic"}, reg, nil)
	assert.ErrorIs(t, err, plugin.ErrParse)
	_, err = New(Config{Channels: []string{"hal:spindle.speed"}}, reg, nil)
	assert.ErrorIs(t, err, plugin.ErrInvariant)

	f, err := New(Config{Channels: []string{"hal:coolant"}}, reg, newFakeSink())
	require.NoError(t, err)
	assert.ErrorIs(t, f.Initialise(context.Background()), plugin.ErrNotFound)
	assert.Equal(t, plugin.Terminated, f.State())
}

func TestGateSkipsRepeats(t *testing.T) {
	g := newGate()
	assert.True(t, g.ShouldSend("hal:a", 1))
	assert.False(t, g.ShouldSend("hal:a", 1))
	assert.True(t, g.ShouldSend("hal:b", 1))
	assert.True(t, g.ShouldSend("hal:a", 2))
	assert.True(t, g.ShouldSend("hal:m", map[string]any{"x": 1}))
	assert.False(t, g.ShouldSend("hal:m", map[string]any{"x": 1}))
}
