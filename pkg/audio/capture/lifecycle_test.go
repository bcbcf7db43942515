package capture_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/devecho/pkg/audio"
	"github.com/MrWong99/devecho/pkg/audio/capture"
)

func TestLifecycle(t *testing.T) {
	t.Parallel()
	var l capture.Lifecycle

	if got := l.State(); got != capture.StateUninitialized {
		t.Fatalf("zero state = %v, want UNINITIALIZED", got)
	}
	if !l.BeginStart() {
		t.Fatal("BeginStart on fresh lifecycle returned false")
	}
	if got := l.State(); got != capture.StatePermissionPending {
		t.Fatalf("state = %v, want PERMISSION_PENDING", got)
	}
	l.Capturing()
	if l.BeginStart() {
		t.Error("BeginStart while capturing returned true")
	}
	if !l.Stop() {
		t.Error("Stop while capturing reported not capturing")
	}
	if got := l.State(); got != capture.StateStopped {
		t.Fatalf("state = %v, want STOPPED", got)
	}
	if l.Stop() {
		t.Error("second Stop reported capturing")
	}

	// A stopped source resets on the next start.
	if !l.BeginStart() {
		t.Fatal("BeginStart after stop returned false")
	}
	l.Abort()
	if got := l.State(); got != capture.StateUninitialized {
		t.Errorf("state after Abort = %v, want UNINITIALIZED", got)
	}
}

func TestLifecycle_StopUninitialized(t *testing.T) {
	t.Parallel()
	var l capture.Lifecycle
	if l.Stop() {
		t.Error("Stop on fresh lifecycle reported capturing")
	}
	if got := l.State(); got != capture.StateUninitialized {
		t.Errorf("state = %v, want UNINITIALIZED", got)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state capture.State
		want  string
	}{
		{capture.StateUninitialized, "UNINITIALIZED"},
		{capture.StatePermissionPending, "PERMISSION_PENDING"},
		{capture.StateCapturing, "CAPTURING"},
		{capture.StateStopped, "STOPPED"},
		{capture.State(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestFailureError(t *testing.T) {
	t.Parallel()
	cause := errors.New("stream overflow")
	var err error = &capture.FailureError{Source: audio.SourceMicrophone, Err: cause}
	wrapped := fmt.Errorf("orchestrator: %w", err)

	if !errors.Is(wrapped, cause) {
		t.Error("FailureError does not unwrap to its cause")
	}
	var fe *capture.FailureError
	if !errors.As(wrapped, &fe) || fe.Source != audio.SourceMicrophone {
		t.Errorf("errors.As did not yield a microphone FailureError: %v", fe)
	}
}
