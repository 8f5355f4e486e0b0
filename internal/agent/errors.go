package agent

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes remote call failures.
type ErrorKind string

const (
	// KindNetwork covers transport failures and error responses.
	KindNetwork ErrorKind = "network"
	// KindParse covers responses that could not be decoded or were empty.
	KindParse ErrorKind = "parse"
)

// CallError is a failed call to the model or moderation endpoint.
type CallError struct {
	Kind ErrorKind
	// Op is the remote operation, e.g. "chat" or "moderation".
	Op string
	// Code is the HTTP status code, if one was received.
	Code int
	Err  error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s %s error (code %d): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *CallError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a *CallError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
