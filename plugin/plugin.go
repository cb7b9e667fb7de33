// Package plugin is the channel broker: typed observable channels, the
// plugins that own them and the registry that looks plugins up by name.
package plugin

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a plugin.
type State int32

const (
	Constructed State = iota
	Initialised
	Terminated
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "constructed"
	case Initialised:
		return "initialised"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Plugin owns a set of channels backed by one data source.
type Plugin interface {
	Name() string
	Protocol() string
	State() State
	// Initialise starts background work. A second call is a no-op.
	Initialise(ctx context.Context) error
	// Terminate stops background work and flushes persistable state. It is
	// a no-op on a plugin that was never initialised or already terminated.
	Terminate() error
	Channel(address string) (DataChannel, error)
	Channels() []DataChannel
}

// Worker is a background task bound to the plugin's lifetime.
type Worker func(ctx context.Context)

type command struct {
	fn  func() error
	res chan error
}

// Base implements the lifecycle, channel table and single-writer loop shared
// by all plugins. Concrete plugins embed *Base.
type Base struct {
	name     string
	protocol string

	mu       sync.RWMutex
	state    State
	ctx      context.Context
	cancel   context.CancelFunc
	cmds     chan command
	stop     chan struct{}
	loopDone chan struct{}
	workers  sync.WaitGroup

	// held while a write runs, on the loop or inline
	writeMu sync.Mutex

	chMu     sync.RWMutex
	channels map[string]DataChannel
	order    []string
}

func NewBase(name, protocol string) *Base {
	return &Base{
		name:     name,
		protocol: protocol,
		channels: make(map[string]DataChannel),
	}
}

func (b *Base) Name() string     { return b.name }
func (b *Base) Protocol() string { return b.protocol }

func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// AddChannel registers ch under its address.
func (b *Base) AddChannel(ch DataChannel) error {
	b.chMu.Lock()
	defer b.chMu.Unlock()
	if _, dup := b.channels[ch.Address()]; dup {
		return Errorf(ErrInvariant, "add channel", "%s already has a channel %q", b.name, ch.Address())
	}
	ch.bind(b.name)
	b.channels[ch.Address()] = ch
	b.order = append(b.order, ch.Address())
	return nil
}

// MustAddChannel is AddChannel for constructors with fixed channel sets.
func (b *Base) MustAddChannel(ch DataChannel) {
	if err := b.AddChannel(ch); err != nil {
		panic(err)
	}
}

func (b *Base) Channel(address string) (DataChannel, error) {
	b.chMu.RLock()
	defer b.chMu.RUnlock()
	ch, ok := b.channels[address]
	if !ok {
		return nil, Errorf(ErrNotFound, "channel", "%s has no channel %q", b.name, address)
	}
	return ch, nil
}

// Channels returns the channels in registration order.
func (b *Base) Channels() []DataChannel {
	b.chMu.RLock()
	defer b.chMu.RUnlock()
	out := make([]DataChannel, 0, len(b.order))
	for _, addr := range b.order {
		out = append(out, b.channels[addr])
	}
	return out
}

// Initialise is the default for plugins without their own setup.
func (b *Base) Initialise(ctx context.Context) error {
	_, err := b.Begin(ctx)
	return err
}

// Terminate is the default for plugins with nothing to flush.
func (b *Base) Terminate() error {
	b.End()
	return nil
}

// Begin moves the plugin to Initialised, starts the writer loop and the given
// workers. started is false when the plugin was already initialised.
func (b *Base) Begin(ctx context.Context, workers ...Worker) (started bool, err error) {
	b.mu.Lock()
	switch b.state {
	case Initialised:
		b.mu.Unlock()
		return false, nil
	case Terminated:
		b.mu.Unlock()
		return false, Errorf(ErrInvariant, "initialise", "plugin %s is terminated", b.name)
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.cmds = make(chan command)
	b.stop = make(chan struct{})
	b.loopDone = make(chan struct{})
	b.state = Initialised
	go b.loop(b.cmds, b.stop, b.loopDone)
	b.mu.Unlock()

	for _, w := range workers {
		b.Go(w)
	}
	logrus.Debugf("PLUGIN: %s initialised", b.name)
	return true, nil
}

// Go starts w as a worker of an initialised plugin. It is ignored otherwise.
func (b *Base) Go(w Worker) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != Initialised {
		return
	}
	ctx := b.ctx
	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		w(ctx)
	}()
}

// Context returns the plugin context, or nil before Begin.
func (b *Base) Context() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctx
}

// End cancels the workers, waits for them and stops the writer loop.
// It reports whether this call performed the transition to Terminated.
func (b *Base) End() bool {
	b.mu.Lock()
	if b.state != Initialised {
		b.mu.Unlock()
		return false
	}
	b.state = Terminated
	cancel, stop, done := b.cancel, b.stop, b.loopDone
	b.mu.Unlock()

	cancel()
	b.workers.Wait()
	close(stop)
	<-done
	logrus.Debugf("PLUGIN: %s terminated", b.name)
	return true
}

// Do runs fn on the plugin's single writer. While the loop is not running
// (before Begin, after End) fn runs inline, still serialised with every
// other write. fn must not call Do itself.
func (b *Base) Do(fn func() error) error {
	b.mu.RLock()
	running := b.state == Initialised
	cmds, done := b.cmds, b.loopDone
	b.mu.RUnlock()

	if running {
		c := command{fn: fn, res: make(chan error, 1)}
		select {
		case cmds <- c:
			return <-c.res
		case <-done:
		}
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return fn()
}

func (b *Base) loop(cmds <-chan command, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case c := <-cmds:
			b.writeMu.Lock()
			err := c.fn()
			b.writeMu.Unlock()
			c.res <- err
		case <-stop:
			return
		}
	}
}

// Assignable routes external writes of ch's value through b's writer.
func Assignable[T any](b *Base, ch *Channel[T]) {
	ch.OnAssign(func(v T) error {
		return b.Do(func() error {
			ch.Set(v)
			return nil
		})
	})
}
