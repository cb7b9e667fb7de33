package atc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcp-gateway/plugin"
)

// feedback stands in for the plugin that owns the raw carousel position.
type feedback struct {
	*plugin.Base
	carpos  *plugin.Channel[float64]
	prepped *plugin.Channel[int]
}

func newFeedback() *feedback {
	f := &feedback{
		Base:    plugin.NewBase("hal", "hal"),
		carpos:  plugin.NewChannel("carpos.out", 0.0),
		prepped: plugin.NewChannel("pocket_prepped", 0),
	}
	f.MustAddChannel(f.carpos)
	f.MustAddChannel(f.prepped)
	return f
}

type pocketTable map[int]int

func (t pocketTable) PocketOf(tool int) (int, bool) {
	p, ok := t[tool]
	return p, ok
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func writeParameters(t *testing.T, path string, pockets map[int]int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(parameterText(pockets)), 0o644))
}

func TestControllerFollowsPositionChannel(t *testing.T) {
	reg := plugin.NewRegistry()
	fb := newFeedback()
	ctl := New(Config{PositionChannel: "hal:carpos.out"}, reg, nil)
	require.NoError(t, reg.Register(fb))
	require.NoError(t, reg.Register(ctl))

	var log eventLog
	ctl.OnEvent(log.add)
	require.NoError(t, reg.InitialiseAll(context.Background()))
	defer reg.TerminateAll()

	for _, v := range []float64{1, 2, 1} {
		fb.carpos.Set(v)
	}
	fb.carpos.Flush()
	ctl.Flush()

	assert.Equal(t, []EventKind{RotateReverse, RotateReverse, RotateForward}, log.kinds())
	assert.Equal(t, -1, ctl.AtcPosition())

	ev, err := ctl.lastEvent.HandleQuery("value")
	require.NoError(t, err)
	assert.Equal(t, "rotate_forward", ev.(map[string]any)["kind"])
	assert.Equal(t, 3, ev.(map[string]any)["seq"])
}

func TestControllerUnknownChannel(t *testing.T) {
	reg := plugin.NewRegistry()
	ctl := New(Config{PositionChannel: "hal:carpos.out"}, reg, nil)
	require.NoError(t, reg.Register(ctl))

	err := reg.InitialiseAll(context.Background())
	assert.ErrorIs(t, err, plugin.ErrNotFound)
	assert.Equal(t, plugin.Terminated, ctl.State())
}

func TestControllerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linuxcnc.var")
	writeParameters(t, path, map[int]int{1: 7, 3: 12})

	ctl := New(Config{ParameterFile: path}, nil, nil)
	var log eventLog
	ctl.OnEvent(log.add)
	require.NoError(t, ctl.Initialise(context.Background()))
	defer ctl.Terminate()
	ctl.Flush()

	require.Len(t, log.kinds(), 14)
	assert.Equal(t, map[string]any{
		"1": 7, "2": 0, "3": 12, "4": 0, "5": 0, "6": 0,
		"7": 0, "8": 0, "9": 0, "10": 0, "11": 0, "12": 0,
	}, ctl.pockets.Value())

	// a broken file keeps the previous mapping and emits nothing
	require.NoError(t, os.WriteFile(path, []byte("5190 7\n"), 0o644))
	assert.ErrorIs(t, ctl.Reload(), plugin.ErrParse)
	ctl.Flush()
	assert.Len(t, log.kinds(), 14)
	assert.Equal(t, 12, ctl.pockets.Value()["3"])

	require.NoError(t, os.Remove(path))
	assert.ErrorIs(t, ctl.Reload(), plugin.ErrStorage)
}

func TestControllerPocketPrepped(t *testing.T) {
	reg := plugin.NewRegistry()
	fb := newFeedback()
	ctl := New(Config{PocketPreppedChannel: "hal:pocket_prepped"}, reg, pocketTable{7: 1, 3: 4})
	require.NoError(t, reg.Register(fb))
	require.NoError(t, reg.Register(ctl))
	require.NoError(t, reg.InitialiseAll(context.Background()))
	defer reg.TerminateAll()

	ctl.LoadPockets(map[int]int{1: 7, 4: 3})

	var log eventLog
	ctl.OnEvent(log.add)
	fb.prepped.Set(4)
	fb.prepped.Flush()
	ctl.Flush()

	kinds := log.kinds()
	require.Len(t, kinds, 15)
	assert.Equal(t, MoveToPocket, kinds[14])
	assert.Equal(t, 4, ctl.AtcPosition())

	events := ctl.PocketPrepped(-1)
	assert.Equal(t, []Event{{Kind: HideTool, Pocket: 4, Tool: 3}}, events)
}

func TestControllerTerminateStopsFollowing(t *testing.T) {
	reg := plugin.NewRegistry()
	fb := newFeedback()
	ctl := New(Config{PositionChannel: "hal:carpos.out"}, reg, nil)
	require.NoError(t, reg.Register(fb))
	require.NoError(t, reg.Register(ctl))
	require.NoError(t, reg.InitialiseAll(context.Background()))

	require.NoError(t, ctl.Terminate())
	fb.carpos.Set(3)
	fb.carpos.Flush()
	assert.Equal(t, 0, ctl.AtcPosition())
	require.NoError(t, reg.TerminateAll())
}
