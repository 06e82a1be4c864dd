package domain

import (
	"errors"
	"fmt"
)

var (
	ErrScheduleInPast   = errors.New("scheduled time must be in the future")
	ErrTooManyItems     = errors.New("too many items")
	ErrProfileNotFound  = errors.New("profile not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrGuildNotFound    = errors.New("guild not found")
	ErrStateConflict    = errors.New("schedule not cancellable")
	ErrEnqueueFailure   = errors.New("enqueue failed")
)

// Kind classifies errors for the admin surface.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error carries a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op string, err error) error { return &Error{Kind: KindValidation, Op: op, Err: err} }
func NotFound(op string, err error) error   { return &Error{Kind: KindNotFound, Op: op, Err: err} }
func Conflict(op string, err error) error   { return &Error{Kind: KindConflict, Op: op, Err: err} }
func Transient(op string, err error) error  { return &Error{Kind: KindTransient, Op: op, Err: err} }

// KindOf reports the Kind of err. Bare sentinels are classified too, so
// stores can return them unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrScheduleInPast), errors.Is(err, ErrTooManyItems):
		return KindValidation
	case errors.Is(err, ErrProfileNotFound), errors.Is(err, ErrScheduleNotFound), errors.Is(err, ErrGuildNotFound):
		return KindNotFound
	case errors.Is(err, ErrStateConflict):
		return KindConflict
	case errors.Is(err, ErrEnqueueFailure):
		return KindTransient
	}
	return KindInternal
}
