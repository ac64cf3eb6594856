package common

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures that callers (and UIs) branch on
type Kind string

const (
	KindUnknownWallet       Kind = "UnknownWallet"
	KindUserRejected        Kind = "UserRejected"
	KindWalletUnavailable   Kind = "WalletUnavailable"
	KindTransportError      Kind = "TransportError"
	KindTimeout             Kind = "Timeout"
	KindInvalidSignature    Kind = "InvalidSignature"
	KindRegistryStale       Kind = "RegistryStale"
	KindOperationInProgress Kind = "OperationInProgress"
	KindAdapterMalfunction  Kind = "AdapterMalfunction"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrUnknownWallet       = &Error{Kind: KindUnknownWallet}
	ErrUserRejected        = &Error{Kind: KindUserRejected}
	ErrWalletUnavailable   = &Error{Kind: KindWalletUnavailable}
	ErrTransport           = &Error{Kind: KindTransportError}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrInvalidSignature    = &Error{Kind: KindInvalidSignature}
	ErrRegistryStale       = &Error{Kind: KindRegistryStale}
	ErrOperationInProgress = &Error{Kind: KindOperationInProgress}
	ErrAdapterMalfunction  = &Error{Kind: KindAdapterMalfunction}
)

// E builds a classified error
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds a classified error from a format string
func Ef(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified context deadlines are reported as Timeout.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	return "", false
}

// Classify returns err unchanged when it already carries a kind, and otherwise wraps it
// with fallback. A context deadline always becomes Timeout.
func Classify(err error, op string, fallback Kind) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return E(KindTimeout, op, err)
	}
	return E(fallback, op, err)
}
