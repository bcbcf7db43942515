// Package capture defines the contract every audio capture source implements,
// the lifecycle states a source moves through, and the failure taxonomy shared
// by all backends.
//
// A [Source] produces [audio.Frame] values from an OS-driven context (a device
// callback or read loop). Frames are delivered through [Callbacks.OnFrame],
// which must return quickly; consumers are expected to enqueue and do any
// blocking work elsewhere.
//
// Backends live in sub-packages (capture/portaudio); OS permission probing lives
// in capture/permission.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/devecho/pkg/audio"
)

// ErrPermissionDenied is returned when the OS refused access to a source. It is
// fatal to that source only.
var ErrPermissionDenied = errors.New("capture: permission denied")

// ErrDeviceUnavailable is returned when no device backs the requested source.
var ErrDeviceUnavailable = errors.New("capture: device unavailable")

// FailureError reports a fault after a source started capturing. The source
// that produced it is no longer delivering frames.
type FailureError struct {
	Source audio.Source
	Err    error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("capture: %s failed: %v", e.Source, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// State is the lifecycle position of a [Source].
type State int

const (
	// StateUninitialized is the state before the first Start and after a reset.
	StateUninitialized State = iota

	// StatePermissionPending means Start is waiting for a permission decision.
	StatePermissionPending

	// StateCapturing means frames are being delivered.
	StateCapturing

	// StateStopped is terminal for the session; the next Start resets it.
	StateStopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StatePermissionPending:
		return "PERMISSION_PENDING"
	case StateCapturing:
		return "CAPTURING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Callbacks receive output from a running [Source]. Both functions are invoked
// from the source's capture goroutine and must not block.
type Callbacks struct {
	// OnFrame receives every captured buffer, already downmixed to mono.
	OnFrame func(audio.Frame)

	// OnFailure is called at most once per Start with a *FailureError when the
	// stream faults mid-capture. Nil is allowed.
	OnFailure func(error)
}

// Source is one capture tap (system output or microphone).
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Kind reports which tap this source implements.
	Kind() audio.Source

	// State returns the current lifecycle state.
	State() State

	// CheckPermission reports whether capture is currently authorised. It never
	// prompts and never changes state.
	CheckPermission() bool

	// RequestPermission asks the OS for access, prompting the user if needed,
	// and blocks until the decision is known or ctx is done.
	RequestPermission(ctx context.Context) (bool, error)

	// Start begins delivering frames to cb. It returns [ErrPermissionDenied],
	// [ErrDeviceUnavailable] or a wrapped device error on failure. Calling Start
	// on a capturing source is a no-op.
	Start(ctx context.Context, cb Callbacks) error

	// Stop halts capture. It is idempotent and returns nil when already stopped.
	Stop() error
}
