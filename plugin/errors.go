package plugin

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a plugin, channel or registry matches
// exactly one of these through errors.Is.
var (
	ErrNotFound  = errors.New("not found")
	ErrReadOnly  = errors.New("read only")
	ErrStorage   = errors.New("storage error")
	ErrParse     = errors.New("parse error")
	ErrCapacity  = errors.New("capacity exceeded")
	ErrInvariant = errors.New("invariant violation")

	// ErrTypeMismatch is a parse error raised when a value cannot be coerced
	// to the type a channel or column declares.
	ErrTypeMismatch = fmt.Errorf("type mismatch: %w", ErrParse)
)

// Error carries the kind, the failing operation and an optional cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Errorf builds an *Error of the given kind.
func Errorf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and op to err. A nil err stays nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
