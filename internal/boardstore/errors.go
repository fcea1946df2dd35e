package boardstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind tags an Error with the failure category the recovery layer acts on.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindPermission Kind = "permission"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not-found"
	KindConflict   Kind = "conflict"
	KindRateLimit  Kind = "rate-limit"
	KindUnknown    Kind = "unknown"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAttributeExists  = errors.New("attribute already exists")
	ErrCollectionExists = errors.New("collection already exists")
	ErrDocumentExists   = errors.New("document already exists")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
)

type Error struct {
	Kind       Kind
	Op         string
	Collection string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Collection != "" {
		b.WriteString(" ")
		b.WriteString(e.Collection)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) ErrorKind() Kind {
	if e.Kind == "" {
		return KindUnknown
	}
	return e.Kind
}

// KindOf reports the tagged kind of err. Untagged errors return "" so the
// caller can fall back to message matching.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged interface{ ErrorKind() Kind }
	if errors.As(err, &tagged) {
		return tagged.ErrorKind()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrAttributeExists), errors.Is(err, ErrCollectionExists), errors.Is(err, ErrDocumentExists):
		return KindConflict
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return ""
}

func notFound(op, collection, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Collection: collection, Message: fmt.Sprintf(format, args...), Err: ErrNotFound}
}

func invalid(op, collection, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Collection: collection, Message: fmt.Sprintf(format, args...), Err: ErrInvalidInput}
}

func exists(op, collection string, sentinel error, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Collection: collection, Message: fmt.Sprintf(format, args...), Err: sentinel}
}
