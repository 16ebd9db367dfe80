package payments

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindNoRoute           ErrorKind = "NO_ROUTE"
	KindTransportFailure  ErrorKind = "TRANSPORT_FAILURE"
	KindAllPSPsExhausted  ErrorKind = "ALL_PSPS_EXHAUSTED"
	KindDefinitiveDecline ErrorKind = "DEFINITIVE_DECLINE"
	KindPSPFailure        ErrorKind = "PSP_FAILURE"
	KindIllegalTransition ErrorKind = "ILLEGAL_TRANSITION"
	KindLimitExceeded     ErrorKind = "LIMIT_EXCEEDED"
	KindSignatureInvalid  ErrorKind = "SIGNATURE_INVALID"
	KindReplayDetected    ErrorKind = "REPLAY_DETECTED"
	KindNotFound          ErrorKind = "NOT_FOUND"
)

// Error carries a taxonomy kind plus whatever context the caller needs to act
// on it. Only the fields relevant to the kind are set.
type Error struct {
	Kind       ErrorKind
	Message    string
	State      string
	PSP        string
	Reason     string
	Remaining  int64
	Candidates []string
	Err        error
}

var (
	ErrNoRoute           = &Error{Kind: KindNoRoute}
	ErrTransportFailure  = &Error{Kind: KindTransportFailure}
	ErrAllPSPsExhausted  = &Error{Kind: KindAllPSPsExhausted}
	ErrDefinitiveDecline = &Error{Kind: KindDefinitiveDecline}
	ErrPSPFailure        = &Error{Kind: KindPSPFailure}
	ErrIllegalTransition = &Error{Kind: KindIllegalTransition}
	ErrLimitExceeded     = &Error{Kind: KindLimitExceeded}
	ErrSignatureInvalid  = &Error{Kind: KindSignatureInvalid}
	ErrReplayDetected    = &Error{Kind: KindReplayDetected}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.PSP != "" {
		fmt.Fprintf(&b, " (psp=%s)", e.PSP)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (reason=%s)", e.Reason)
	}
	if e.State != "" {
		fmt.Fprintf(&b, " (state=%s)", e.State)
	}
	if len(e.Candidates) > 0 {
		fmt.Fprintf(&b, " (candidates=%s)", strings.Join(e.Candidates, ","))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of the context attached.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the taxonomy kind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsTransport reports whether err is a transport failure, the only kind that
// advances failover.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}
