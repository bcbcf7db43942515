// Package stt defines the Provider interface for speech-to-text backends.
//
// The backend opens one streaming session per audio source and feeds it mono
// float32 PCM as frames arrive from the client. A session segments speech on
// its own and emits one final Transcript per utterance.
//
// Implementations must be safe for concurrent use; a single Session is fed
// from one goroutine.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio a session will receive.
type StreamConfig struct {
	// SampleRate of the samples passed to SendAudio, in Hz.
	SampleRate int

	// Language is a BCP-47 code such as "en". Empty means provider default.
	Language string
}

// Transcript is one recognised utterance.
type Transcript struct {
	Text string

	// Confidence in [0, 1]. Providers that cannot estimate it report 1.
	Confidence float64

	// StartedAt is the capture time of the first audio of the utterance.
	StartedAt time.Time

	// Duration is the length of audio the utterance was recognised from.
	Duration time.Duration
}

// Session is a live transcription stream.
type Session interface {
	// SendAudio queues mono samples captured at capturedAt.
	SendAudio(samples []float32, capturedAt time.Time) error

	// Finals emits one Transcript per recognised utterance. It is closed
	// when the session ends.
	Finals() <-chan Transcript

	// Errors emits recognition failures. The session keeps running after an
	// error; callers decide whether to replace it. It is closed when the
	// session ends.
	Errors() <-chan error

	// Close flushes buffered speech, closes both channels and releases
	// resources. It is safe to call more than once.
	Close() error
}

// Provider opens transcription sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (Session, error)
}
