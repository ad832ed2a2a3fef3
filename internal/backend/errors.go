package backend

import (
	"errors"
	"fmt"
)

// Kind classifies backend failures.
type Kind string

const (
	KindNotFound Kind = "NotFound"
	KindNotReady Kind = "NotReady"
	KindBusy     Kind = "Busy"
	KindInternal Kind = "Internal"
)

// Error is a structured backend failure with a machine-checkable kind.
type Error struct {
	Kind    Kind
	Op      string
	AgentID string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.AgentID != "" {
		return fmt.Sprintf("backend %s %s: %s: %s", e.Op, e.AgentID, e.Kind, msg)
	}
	return fmt.Sprintf("backend %s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, agentID, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, AgentID: agentID, Message: message, Err: err}
}

// KindOf returns the kind of a backend error, or "" if err is not one.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsKind reports whether err is a backend error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
