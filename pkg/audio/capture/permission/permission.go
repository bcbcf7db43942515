// Package permission probes and requests the OS privacy permissions that gate
// audio capture. On macOS the microphone is gated by AVFoundation and the
// system-output tap by the screen-recording permission; other platforms do
// not gate audio input and always report [StatusAuthorized].
package permission

import (
	"context"
	"time"
)

// Kind selects which permission to query.
type Kind int

const (
	// Microphone gates the default input device.
	Microphone Kind = iota

	// SystemAudio gates the system-output tap.
	SystemAudio
)

// String returns the human-readable name of the permission kind.
func (k Kind) String() string {
	switch k {
	case Microphone:
		return "microphone"
	case SystemAudio:
		return "system-audio"
	default:
		return "unknown"
	}
}

// Status mirrors the OS authorisation states.
type Status int

const (
	StatusNotDetermined Status = iota
	StatusRestricted
	StatusDenied
	StatusAuthorized
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusNotDetermined:
		return "NOT_DETERMINED"
	case StatusRestricted:
		return "RESTRICTED"
	case StatusDenied:
		return "DENIED"
	case StatusAuthorized:
		return "AUTHORIZED"
	default:
		return "UNKNOWN"
	}
}

// Checker checks and requests permissions. [System] is the OS implementation;
// tests substitute their own.
type Checker interface {
	// Check returns the current status without prompting.
	Check(kind Kind) Status

	// Request prompts if the status is undetermined and blocks until it is
	// decided or ctx is done.
	Request(ctx context.Context, kind Kind) (bool, error)
}

// System is the Checker backed by the host OS.
var System Checker = osChecker{}

// pollInterval is how often Request re-reads the status while a prompt is open.
const pollInterval = 250 * time.Millisecond

type osChecker struct{}

func (osChecker) Check(kind Kind) Status { return check(kind) }

func (osChecker) Request(ctx context.Context, kind Kind) (bool, error) {
	switch check(kind) {
	case StatusAuthorized:
		return true, nil
	case StatusDenied, StatusRestricted:
		return false, nil
	}

	prompt(kind)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		switch check(kind) {
		case StatusAuthorized:
			return true, nil
		case StatusDenied, StatusRestricted:
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
