// Package mock provides an in-memory implementation of [capture.Source] for
// unit tests.
//
// The mock is safe for concurrent use. It records every call so tests can
// assert on call counts, and exposes exported fields that control return
// values. Frames and failures are injected with [Source.Emit] and
// [Source.Fail], which invoke the callbacks registered by the last Start.
//
// Typical usage:
//
//	mic := &mock.Source{SourceKind: audio.SourceMicrophone, Permitted: true}
//	_ = mic.Start(ctx, capture.Callbacks{OnFrame: handle})
//	mic.Emit(audio.Frame{Samples: []float32{0.1}, SampleRate: 48000})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/devecho/pkg/audio"
	"github.com/MrWong99/devecho/pkg/audio/capture"
)

// Ensure Source implements capture.Source at compile time.
var _ capture.Source = (*Source)(nil)

// Source is a mock implementation of [capture.Source].
type Source struct {
	mu sync.Mutex

	// SourceKind is returned by Kind.
	SourceKind audio.Source

	// Permitted is the value returned by CheckPermission.
	Permitted bool

	// GrantOnRequest is returned by RequestPermission, which also copies it
	// into Permitted.
	GrantOnRequest bool

	// RequestErr is returned by RequestPermission.
	RequestErr error

	// StartErr, when non-nil, makes Start fail with it.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// CallCountCheck records how many times CheckPermission was called.
	CallCountCheck int

	// CallCountRequest records how many times RequestPermission was called.
	CallCountRequest int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	lc        capture.Lifecycle
	callbacks capture.Callbacks
}

// Kind implements capture.Source.
func (s *Source) Kind() audio.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SourceKind
}

// State implements capture.Source.
func (s *Source) State() capture.State { return s.lc.State() }

// CheckPermission implements capture.Source.
func (s *Source) CheckPermission() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountCheck++
	return s.Permitted
}

// RequestPermission implements capture.Source.
func (s *Source) RequestPermission(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRequest++
	if s.RequestErr != nil {
		return false, s.RequestErr
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.Permitted = s.GrantOnRequest
	return s.Permitted, nil
}

// Start implements capture.Source. It fails with capture.ErrPermissionDenied
// when Permitted is false, and with StartErr when set.
func (s *Source) Start(_ context.Context, cb capture.Callbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if !s.lc.BeginStart() {
		return nil
	}
	if !s.Permitted {
		s.lc.Abort()
		return fmt.Errorf("mock: %s: %w", s.SourceKind, capture.ErrPermissionDenied)
	}
	if s.StartErr != nil {
		s.lc.Abort()
		return s.StartErr
	}
	s.callbacks = cb
	s.lc.Capturing()
	return nil
}

// Stop implements capture.Source.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.lc.Stop()
	s.callbacks = capture.Callbacks{}
	return s.StopErr
}

// Emit delivers frame to the registered OnFrame callback if the source is
// capturing. The frame's Source is overwritten with SourceKind. It reports
// whether the frame was delivered.
func (s *Source) Emit(frame audio.Frame) bool {
	s.mu.Lock()
	cb := s.callbacks.OnFrame
	frame.Source = s.SourceKind
	capturing := s.lc.State() == capture.StateCapturing
	s.mu.Unlock()

	if !capturing || cb == nil {
		return false
	}
	cb(frame)
	return true
}

// Fail simulates a mid-stream device fault: the source stops and OnFailure
// receives a *capture.FailureError wrapping cause.
func (s *Source) Fail(cause error) {
	s.mu.Lock()
	cb := s.callbacks.OnFailure
	s.callbacks = capture.Callbacks{}
	s.lc.Stop()
	kind := s.SourceKind
	s.mu.Unlock()

	if cb != nil {
		cb(&capture.FailureError{Source: kind, Err: cause})
	}
}
