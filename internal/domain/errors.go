package domain

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindInvalidRequest
	KindInactive
	KindPreconditionFailed
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindInvalidRequest:
		return "INVALID_REQUEST"
	case KindInactive:
		return "INACTIVE"
	case KindPreconditionFailed:
		return "PRECONDITION_FAILED"
	}
	return "INTERNAL"
}

var (
	ErrNotFound           = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrConflict           = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest, Msg: "invalid request"}
	ErrInactive           = &Error{Kind: KindInactive, Msg: "inactive"}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed, Msg: "precondition failed"}

	// ErrSpaceDeactivated marks an Inactive error raised because the space itself has active=false,
	// as opposed to a missing or deactivated ancestor.
	ErrSpaceDeactivated = errors.New("space is deactivated")
)

// FailedItem is one feature a write could not apply.
type FailedItem struct {
	ID     string `json:"id"`
	Reason string `json:"message"`
}

// Error is the typed result every core component returns. errors.Is matches on Kind against
// the package sentinels.
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Err    error
	Failed []FailedItem
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of the first *Error in err's chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, format, args...)
}

func Conflictf(op, format string, args ...any) *Error {
	return newError(KindConflict, op, format, args...)
}

func Invalidf(op, format string, args ...any) *Error {
	return newError(KindInvalidRequest, op, format, args...)
}

func Inactivef(op, format string, args ...any) *Error {
	return newError(KindInactive, op, format, args...)
}

func Preconditionf(op, format string, args ...any) *Error {
	return newError(KindPreconditionFailed, op, format, args...)
}

// Deactivated reports a space switched off by its owner.
func Deactivated(op, space string) *Error {
	return &Error{Kind: KindInactive, Op: op, Msg: fmt.Sprintf("space %q is not active", space), Err: ErrSpaceDeactivated}
}

// WriteConflict carries every item that made a transactional write abort.
func WriteConflict(op string, failed []FailedItem) *Error {
	msg := "write conflict"
	if len(failed) > 0 {
		msg = fmt.Sprintf("write conflict on feature %q: %s", failed[0].ID, failed[0].Reason)
	}
	return &Error{Kind: KindConflict, Op: op, Msg: msg, Failed: failed}
}
