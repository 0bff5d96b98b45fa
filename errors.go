package daqhat

import (
	"context"

	"github.com/pkg/errors"

	"github.com/viam-labs/daqhat/buslock"
	"github.com/viam-labs/daqhat/transport"
)

// Root-level sentinel errors. The transport and buslock packages carry their
// own sentinels for wire and locking failures; KindOf folds all of them into
// one classification.
var (
	// ErrBadParameter rejects an argument before it reaches the device.
	ErrBadParameter = errors.New("bad parameter")
	// ErrBusy means the operation conflicts with an in-progress scan or the
	// device's current state.
	ErrBusy = errors.New("operation conflicts with device state")
	// ErrTimeout means an operation did not complete within its budget.
	ErrTimeout = errors.New("operation timed out")
	// ErrInvalidDevice means the board at the address did not identify as the
	// expected product and firmware.
	ErrInvalidDevice = errors.New("device identification mismatch")
	// ErrResourceUnavailable means the device or a resource it needs is
	// closed, absent, or could not be allocated.
	ErrResourceUnavailable = errors.New("resource unavailable")
	// ErrUndefined is the catch-all for protocol violations and unmapped
	// firmware statuses.
	ErrUndefined = errors.New("undefined failure")
)

// Kind classifies driver errors the way callers branch on them.
type Kind int

const (
	KindUndefined Kind = iota
	KindBadParameter
	KindBusy
	KindTimeout
	KindLockTimeout
	KindInvalidDevice
	KindResourceUnavailable
	KindCommsFailure
)

func (k Kind) String() string {
	switch k {
	case KindBadParameter:
		return "bad parameter"
	case KindBusy:
		return "busy"
	case KindTimeout:
		return "timeout"
	case KindLockTimeout:
		return "lock timeout"
	case KindInvalidDevice:
		return "invalid device"
	case KindResourceUnavailable:
		return "resource unavailable"
	case KindCommsFailure:
		return "comms failure"
	default:
		return "undefined"
	}
}

// KindOf resolves the kind of a non-nil error, walking wrapped causes. Errors
// this module did not produce classify as KindUndefined.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, buslock.ErrTimeout):
		return KindLockTimeout
	case errors.Is(err, ErrBadParameter) || errors.Is(err, transport.ErrBadParameter):
		return KindBadParameter
	case errors.Is(err, ErrBusy) || errors.Is(err, transport.ErrBusy):
		return KindBusy
	case errors.Is(err, ErrTimeout) || errors.Is(err, transport.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrInvalidDevice):
		return KindInvalidDevice
	case errors.Is(err, ErrResourceUnavailable):
		return KindResourceUnavailable
	case errors.Is(err, transport.ErrComms):
		return KindCommsFailure
	default:
		return KindUndefined
	}
}

// Historic integer result codes, kept for compatibility with existing
// tooling that still speaks them. They exist only at this boundary.
const (
	CodeSuccess             = 0
	CodeBadParameter        = -1
	CodeBusy                = -2
	CodeTimeout             = -3
	CodeLockTimeout         = -4
	CodeInvalidDevice       = -5
	CodeResourceUnavailable = -6
	CodeCommsFailure        = -7
	CodeUndefined           = -10
)

// Code converts an error to its historic integer code. A nil error is
// CodeSuccess.
func Code(err error) int {
	if err == nil {
		return CodeSuccess
	}
	switch KindOf(err) {
	case KindBadParameter:
		return CodeBadParameter
	case KindBusy:
		return CodeBusy
	case KindTimeout:
		return CodeTimeout
	case KindLockTimeout:
		return CodeLockTimeout
	case KindInvalidDevice:
		return CodeInvalidDevice
	case KindResourceUnavailable:
		return CodeResourceUnavailable
	case KindCommsFailure:
		return CodeCommsFailure
	default:
		return CodeUndefined
	}
}

// FromCode converts a historic integer code back to an error; CodeSuccess
// yields nil.
func FromCode(code int) error {
	switch code {
	case CodeSuccess:
		return nil
	case CodeBadParameter:
		return ErrBadParameter
	case CodeBusy:
		return ErrBusy
	case CodeTimeout:
		return ErrTimeout
	case CodeLockTimeout:
		return buslock.ErrTimeout
	case CodeInvalidDevice:
		return ErrInvalidDevice
	case CodeResourceUnavailable:
		return ErrResourceUnavailable
	case CodeCommsFailure:
		return transport.ErrComms
	case CodeUndefined:
		return ErrUndefined
	default:
		return errors.Wrapf(ErrUndefined, "result code %d", code)
	}
}
