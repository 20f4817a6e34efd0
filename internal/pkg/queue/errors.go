package queue

import (
	"errors"
	"fmt"
)

// Kind classifies queue failures by how callers must react to them.
type Kind int

const (
	// KindTransient is a network or service-side failure; bounded retry is allowed.
	KindTransient Kind = iota
	// KindValidation means the request was rejected; retrying the same request cannot succeed.
	KindValidation
	// KindAuth is a credential, permission or queue identity failure; fatal to the process.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error is a classified queue failure.
type Error struct {
	Kind Kind
	Op   string // receive, delete, send, probe
	Code string // backend error code, if any
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s error", e.Op, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewTransientError(op, code string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Code: code, Err: err}
}

func NewValidationError(op, code string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Code: code, Err: err}
}

func NewAuthError(op, code string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Code: code, Err: err}
}

// KindOf returns the kind of err. Unclassified errors are transient.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindTransient
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}

func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}
