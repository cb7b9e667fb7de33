package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry maps plugin names to instances and owns their lifecycle. One
// registry is built at process start and handed to every component that
// needs plugin lookup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
	observe []func(p Plugin, err error)
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds p. Names are unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.plugins[p.Name()]; dup {
		return Errorf(ErrInvariant, "register", "plugin %q already registered", p.Name())
	}
	r.plugins[p.Name()] = p
	r.order = append(r.order, p.Name())
	return nil
}

// Get returns the shared instance registered under name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, Errorf(ErrNotFound, "get", "no plugin named %q", name)
	}
	return p, nil
}

// Lookup returns the plugin registered under name as a P.
func Lookup[P Plugin](r *Registry, name string) (P, error) {
	var zero P
	p, err := r.Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := p.(P)
	if !ok {
		return zero, &Error{Kind: ErrTypeMismatch, Op: "lookup", Msg: fmt.Sprintf("plugin %q is a %T", name, p)}
	}
	return typed, nil
}

// Plugins returns all plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.plugins[name])
	}
	return out
}

// ByProtocol returns the plugins carrying the given capability tag.
func (r *Registry) ByProtocol(protocol string) []Plugin {
	var out []Plugin
	for _, p := range r.Plugins() {
		if p.Protocol() == protocol {
			out = append(out, p)
		}
	}
	return out
}

// Resolve looks up a channel by its "plugin:address" URL.
func (r *Registry) Resolve(url string) (DataChannel, error) {
	name, address, ok := strings.Cut(url, ":")
	if !ok || name == "" || address == "" {
		return nil, Errorf(ErrParse, "resolve", "malformed channel url %q", url)
	}
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return p.Channel(address)
}

// Observe registers fn to be told about every lifecycle transition performed
// by InitialiseAll and TerminateAll.
func (r *Registry) Observe(fn func(p Plugin, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observe = append(r.observe, fn)
}

func (r *Registry) notify(p Plugin, err error) {
	r.mu.RLock()
	observers := append([]func(Plugin, error){}, r.observe...)
	r.mu.RUnlock()
	for _, fn := range observers {
		fn(p, err)
	}
}

// InitialiseAll initialises every plugin in registration order. If one fails,
// the ones already started are terminated in reverse order.
func (r *Registry) InitialiseAll(ctx context.Context) error {
	plugins := r.Plugins()
	for i, p := range plugins {
		err := p.Initialise(ctx)
		r.notify(p, err)
		if err == nil {
			logrus.Infof("REG: plugin %s initialised", p.Name())
			continue
		}
		logrus.Errorf("REG: failed to initialise plugin %s: %v", p.Name(), err)
		for j := i - 1; j >= 0; j-- {
			terr := plugins[j].Terminate()
			r.notify(plugins[j], terr)
		}
		return fmt.Errorf("initialise %s: %w", p.Name(), err)
	}
	return nil
}

// TerminateAll terminates every plugin in reverse registration order and
// returns all errors joined.
func (r *Registry) TerminateAll() error {
	plugins := r.Plugins()
	var errs []error
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		err := p.Terminate()
		r.notify(p, err)
		if err != nil {
			logrus.Errorf("REG: failed to terminate plugin %s: %v", p.Name(), err)
			errs = append(errs, fmt.Errorf("terminate %s: %w", p.Name(), err))
			continue
		}
		logrus.Infof("REG: plugin %s terminated", p.Name())
	}
	return errors.Join(errs...)
}
