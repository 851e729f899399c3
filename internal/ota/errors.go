package ota

import (
	"errors"
	"fmt"
)

// Kind classifies an OTA failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindPrecondition is detected locally before the device is involved.
	KindPrecondition
	// KindProtocol means the device reported ERROR while receiving.
	KindProtocol
	// KindVerification means the device reported ERROR while verifying the image.
	KindVerification
	// KindTransport is an unexpected BLE failure.
	KindTransport
	// KindDeviceLost means the device disappeared and reconnection gave up.
	KindDeviceLost
	// KindTimeout means a phase was not reached within its bound.
	KindTimeout
	// KindRecovery means the device is in its fallback condition.
	KindRecovery
	// KindCancelled means the operator interrupted the update.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition failed"
	case KindProtocol:
		return "device reported an error"
	case KindVerification:
		return "firmware verification failed"
	case KindTransport:
		return "connection failure"
	case KindDeviceLost:
		return "device lost"
	case KindTimeout:
		return "timed out"
	case KindRecovery:
		return "device is in recovery mode"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown failure"
	}
}

// Stage names the step of the update an error belongs to.
type Stage string

const (
	StageConnect  Stage = "connect"
	StagePrepare  Stage = "prepare"
	StageStart    Stage = "start"
	StageTransfer Stage = "transfer"
	StageVerify   Stage = "verify"
	StageReboot   Stage = "reboot"
	StageVersion  Stage = "version check"
)

// Error is the error type returned by the updater. Detail carries the
// device's own error text for protocol and verification failures.
type Error struct {
	Kind   Kind
	Stage  Stage
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ota: %s: %s", e.Stage, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func transportError(stage Stage, detail string, err error) *Error {
	return &Error{Kind: KindTransport, Stage: stage, Detail: detail, Err: err}
}
