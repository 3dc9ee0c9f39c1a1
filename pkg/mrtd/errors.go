package mrtd

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure so callers can react without string matching.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindTransportFailure
	KindProtocolViolation
	KindCryptoFailure
	KindChipStatusError
	KindInvalidAPDU
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindTransportFailure:
		return "transport failure"
	case KindProtocolViolation:
		return "protocol violation"
	case KindCryptoFailure:
		return "crypto failure"
	case KindChipStatusError:
		return "chip status error"
	case KindInvalidAPDU:
		return "invalid apdu"
	default:
		return "unknown"
	}
}

// Sentinel causes. Match with errors.Is.
var (
	ErrMacVerificationFailed = errors.New("MAC verification failed")
	ErrBadPadding            = errors.New("bad padding")
	ErrUnsupportedAlgorithm  = errors.New("unsupported algorithm")
)

// Error is a classified failure. Op names the operation that failed
// ("protect", "external authenticate", ...).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "mrtd error"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Cause lets github.com/pkg/errors.Cause walk through an *Error.
func (e *Error) Cause() error { return e.Unwrap() }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func invalidInput(op, format string, args ...any) error {
	return newError(KindInvalidInput, op, errors.Errorf(format, args...))
}

func protocolViolation(op, format string, args ...any) error {
	return newError(KindProtocolViolation, op, errors.Errorf(format, args...))
}

func cryptoFailure(op string, err error) error {
	return newError(KindCryptoFailure, op, err)
}

func transportFailure(op string, err error) error {
	return newError(KindTransportFailure, op, err)
}

// KindOf reports the classification of err. A *SWError anywhere in the chain is
// a chip status error; the crypto sentinels are crypto failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	var swErr *SWError
	if errors.As(err, &swErr) {
		return KindChipStatusError
	}
	if errors.Is(err, ErrMacVerificationFailed) || errors.Is(err, ErrBadPadding) || errors.Is(err, ErrUnsupportedAlgorithm) {
		return KindCryptoFailure
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
