package massager

import (
	"errors"
	"strconv"
)

// Kind classifies a failure so callers can decide whether to retry, discard
// or surface it.
type Kind string

const (
	// KindNetwork means the remote service could not be reached.
	KindNetwork Kind = "network"
	// KindAuth means the credentials were rejected.
	KindAuth Kind = "auth"
	// KindValidation means input was rejected before any network call.
	KindValidation Kind = "validation"
	// KindNotConnected means a realtime send was attempted while the socket was down.
	KindNotConnected Kind = "not_connected"
	// KindServer is a non-2xx answer carrying a server-supplied message.
	KindServer Kind = "server"
)

// Reason refines KindAuth failures.
type Reason string

const (
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonEmailNotVerified   Reason = "email_not_verified"
)

// Error is the normalized failure type shared by every component.
type Error struct {
	Kind    Kind   `json:"kind"`
	Status  int    `json:"status,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return string(e.Kind) + " (" + strconv.Itoa(e.Status) + "): " + msg
	}
	return string(e.Kind) + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, and of the same reason when the
// target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrAuth               = &Error{Kind: KindAuth}
	ErrInvalidCredentials = &Error{Kind: KindAuth, Reason: ReasonInvalidCredentials}
	ErrEmailNotVerified   = &Error{Kind: KindAuth, Reason: ReasonEmailNotVerified}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotConnected       = &Error{Kind: KindNotConnected, Message: "realtime session is not open"}
	ErrServer             = &Error{Kind: KindServer}
)

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
