package plugin

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Update is the type-erased form of a channel change, as handed to
// protocol adapters.
type Update struct {
	Plugin  string    `json:"plugin"`
	Address string    `json:"address"`
	Type    string    `json:"type"`
	Value   any       `json:"value"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

// URL returns "plugin:address".
func (u Update) URL() string {
	return u.Plugin + ":" + u.Address
}

// DataChannel is implemented by every *Channel[T]. Generic consumers such as
// exporters and the status API work against this interface.
type DataChannel interface {
	Address() string
	Plugin() string
	URL() string
	ValueType() ValueType
	Triggerable() bool
	Any() any
	Text() string
	DataTypes() []string
	Subscribe(fn func(Update)) (cancel func())
	HandleQuery(name string) (any, error)
	HandleAssignment(name string, value any) error
	Flush()

	bind(plugin string)
}

type subscriber[F any] struct {
	id int
	fn F
}

// Channel is one named, typed, observable value.
type Channel[T any] struct {
	address     string
	triggerable bool
	toText      func(T) string

	mu      sync.RWMutex
	plugin  string
	typ     ValueType
	dynamic bool
	value   T
	text    string
	nextID  int

	valueSubs []subscriber[func(T)]
	textSubs  []subscriber[func(string)]
	anySubs   []subscriber[func(Update)]

	queries map[string]func() any
	writers map[string]func(any) error

	notify Queue
}

// Option configures a channel at construction.
type Option[T any] func(*Channel[T])

// WithText installs a custom text projection.
func WithText[T any](fn func(T) string) Option[T] {
	return func(c *Channel[T]) { c.toText = fn }
}

// WithTriggerable marks the channel as one whose transitions may trigger
// downstream actions.
func WithTriggerable[T any]() Option[T] {
	return func(c *Channel[T]) { c.triggerable = true }
}

// WithType declares the value type of a Channel[any] up front.
func WithType[T any](t ValueType) Option[T] {
	return func(c *Channel[T]) { c.typ = t }
}

// WithQuery exposes an extra read-only attribute through HandleQuery.
func WithQuery[T any](name string, fn func() any) Option[T] {
	return func(c *Channel[T]) { c.queries[name] = fn }
}

// NewChannel creates a channel holding initial until its plugin sets a live
// value. The value type is derived from T; for T = any it is taken from
// initial, or from the first value set when initial is nil.
func NewChannel[T any](address string, initial T, opts ...Option[T]) *Channel[T] {
	c := &Channel[T]{
		address: address,
		value:   initial,
		writers: make(map[string]func(any) error),
	}
	var zero T
	c.typ = TypeOf(any(zero))
	if c.typ == Unknown {
		c.dynamic = true
		c.typ = TypeOf(any(initial))
	}
	c.queries = map[string]func() any{
		"value":       func() any { return c.Any() },
		"text":        func() any { return c.Text() },
		"address":     func() any { return c.address },
		"plugin":      func() any { return c.Plugin() },
		"type":        func() any { return c.ValueType().String() },
		"triggerable": func() any { return c.triggerable },
		"data_types":  func() any { return c.DataTypes() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.text = c.render(initial)
	return c
}

func (c *Channel[T]) bind(plugin string) {
	c.mu.Lock()
	c.plugin = plugin
	c.mu.Unlock()
}

func (c *Channel[T]) Address() string   { return c.address }
func (c *Channel[T]) Triggerable() bool { return c.triggerable }

func (c *Channel[T]) Plugin() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plugin
}

func (c *Channel[T]) URL() string {
	return c.Plugin() + ":" + c.address
}

func (c *Channel[T]) ValueType() ValueType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.typ
}

// Value returns the cached value. It never blocks on I/O.
func (c *Channel[T]) Value() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *Channel[T]) Any() any {
	return c.Value()
}

// Text returns the cached text projection.
func (c *Channel[T]) Text() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.text
}

// DataTypes lists the representations a serializer should offer: the native
// type, plus "str" when a custom text projection is installed.
func (c *Channel[T]) DataTypes() []string {
	types := []string{c.ValueType().String()}
	if c.toText != nil {
		types = append(types, String.String())
	}
	return types
}

func (c *Channel[T]) render(v T) string {
	if c.toText != nil {
		return c.toText(v)
	}
	return FormatText(v)
}

// Set stores v and notifies subscribers if it differs from the current
// value. Only the owning plugin calls Set, from its writer path.
func (c *Channel[T]) Set(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dynamic {
		vt := TypeOf(any(v))
		switch {
		case vt == Unknown:
			logrus.Warnf("PLUGIN: %s:%s: dropping value of unsupported type %T", c.plugin, c.address, v)
			return false
		case c.typ == Unknown:
			c.typ = vt
		case vt != c.typ:
			coerced, err := Coerce(c.typ, v)
			if err != nil {
				logrus.Warnf("PLUGIN: %s:%s: %v", c.plugin, c.address, err)
				return false
			}
			v = coerced.(T)
		}
	}

	if reflect.DeepEqual(c.value, v) {
		return false
	}
	c.value = v
	text := c.render(v)
	textChanged := text != c.text
	c.text = text

	valueSubs := append([]subscriber[func(T)](nil), c.valueSubs...)
	anySubs := append([]subscriber[func(Update)](nil), c.anySubs...)
	var textSubs []subscriber[func(string)]
	if textChanged {
		textSubs = append(textSubs, c.textSubs...)
	}
	if len(valueSubs)+len(anySubs)+len(textSubs) == 0 {
		return true
	}
	u := Update{
		Plugin:  c.plugin,
		Address: c.address,
		Type:    c.typ.String(),
		Value:   v,
		Text:    text,
		Time:    time.Now(),
	}
	// posted under c.mu so the queue order matches the order of changes
	c.notify.Post(func() {
		for _, s := range valueSubs {
			s.fn(v)
		}
		for _, s := range textSubs {
			s.fn(text)
		}
		for _, s := range anySubs {
			s.fn(u)
		}
	})
	return true
}

// OnValueChanged registers fn for value changes. fn receives the native
// value type of the channel.
func (c *Channel[T]) OnValueChanged(fn func(T)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.valueSubs = append(c.valueSubs, subscriber[func(T)]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.valueSubs = removeSub(c.valueSubs, id)
	}
}

// OnTextChanged registers fn for changes of the text projection.
func (c *Channel[T]) OnTextChanged(fn func(string)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.textSubs = append(c.textSubs, subscriber[func(string)]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.textSubs = removeSub(c.textSubs, id)
	}
}

// Subscribe registers fn for type-erased updates.
func (c *Channel[T]) Subscribe(fn func(Update)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.anySubs = append(c.anySubs, subscriber[func(Update)]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.anySubs = removeSub(c.anySubs, id)
	}
}

func removeSub[F any](subs []subscriber[F], id int) []subscriber[F] {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Flush waits until every notification queued so far has been delivered.
// Calling it from a subscriber of the same channel deadlocks.
func (c *Channel[T]) Flush() {
	c.notify.Flush()
}

// OnAssign makes "value" writable through HandleAssignment. The assigned
// value is coerced to T before fn sees it.
func (c *Channel[T]) OnAssign(fn func(T) error) {
	c.Assignable("value", func(raw any) error {
		v, err := c.coerce(raw)
		if err != nil {
			return err
		}
		return fn(v)
	})
}

// Assignable makes an arbitrary attribute writable.
func (c *Channel[T]) Assignable(name string, fn func(any) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writers[name] = fn
	if _, ok := c.queries[name]; !ok {
		c.queries[name] = func() any { return nil }
	}
}

func (c *Channel[T]) coerce(raw any) (T, error) {
	var zero T
	typ := c.ValueType()
	if v, ok := raw.(T); ok && (typ == Unknown || TypeOf(raw) == typ) {
		if c.dynamic && TypeOf(raw) == Unknown {
			return zero, mismatch(typ, raw)
		}
		return v, nil
	}
	if typ == Unknown {
		return zero, mismatch(typ, raw)
	}
	coerced, err := Coerce(typ, raw)
	if err != nil {
		return zero, err
	}
	v, ok := coerced.(T)
	if !ok {
		return zero, mismatch(typ, raw)
	}
	return v, nil
}

// HandleQuery reads a named attribute from the channel's query table.
func (c *Channel[T]) HandleQuery(name string) (any, error) {
	c.mu.RLock()
	fn, ok := c.queries[name]
	c.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: ErrNotFound, Op: "query", Msg: fmt.Sprintf("%s has no attribute %q", c.URL(), name)}
	}
	return fn(), nil
}

// HandleAssignment writes a named attribute. Known attributes without a
// writer are read-only.
func (c *Channel[T]) HandleAssignment(name string, value any) error {
	c.mu.RLock()
	fn, writable := c.writers[name]
	_, known := c.queries[name]
	c.mu.RUnlock()
	switch {
	case writable:
		return fn(value)
	case known:
		return &Error{Kind: ErrReadOnly, Op: "assign", Msg: fmt.Sprintf("%s attribute %q is read only", c.URL(), name)}
	}
	return &Error{Kind: ErrNotFound, Op: "assign", Msg: fmt.Sprintf("%s has no attribute %q", c.URL(), name)}
}
