// Package mock provides test doubles for the stt package interfaces.
//
// Provider hands out a fresh Session per StartStream call and keeps every
// session it created, so tests can drive transcripts and failures for each
// stream independently:
//
//	p := &mock.Provider{}
//	sess, _ := p.StartStream(ctx, cfg)
//	p.Sessions()[0].Emit(stt.Transcript{Text: "hello"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/devecho/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// Configs records the StreamConfig of every StartStream call.
	Configs []stt.StreamConfig

	sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns a new Session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Sessions returns the sessions created so far, oldest first.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	Samples    int
	CapturedAt time.Time
}

// Session is a mock implementation of stt.Session.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// SendAudioCalls records every SendAudio call.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of Close calls.
	CloseCallCount int

	finals chan stt.Transcript
	errs   chan error
	closed bool
}

var _ stt.Session = (*Session)(nil)

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		finals: make(chan stt.Transcript, 16),
		errs:   make(chan error, 16),
	}
}

// SendAudio records the call.
func (s *Session) SendAudio(samples []float32, capturedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Samples: len(samples), CapturedAt: capturedAt})
	return s.SendAudioErr
}

// Finals implements stt.Session.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Errors implements stt.Session.
func (s *Session) Errors() <-chan error { return s.errs }

// Close closes both channels once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.finals)
		close(s.errs)
	}
	return nil
}

// Emit delivers t on Finals. It is a no-op after Close.
func (s *Session) Emit(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.finals <- t
	}
}

// Fail delivers err on Errors. It is a no-op after Close.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.errs <- err
	}
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AudioCalls returns a copy of the recorded SendAudio calls.
func (s *Session) AudioCalls() []SendAudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendAudioCall(nil), s.SendAudioCalls...)
}
