package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/devecho/internal/observe"
	"github.com/MrWong99/devecho/pkg/audio"
	"github.com/MrWong99/devecho/pkg/ipc"
	"github.com/MrWong99/devecho/pkg/provider/stt"
)

// DefaultSTTRate is the sample rate STT sessions are opened at.
const DefaultSTTRate = 16000

// Transcriber feeds incoming audio frames into one STT session per source
// and emits the results as transcription and transcription_error messages.
//
// Sessions open lazily on the first frame of a source. A session that fails
// is closed and replaced on the next frame.
type Transcriber struct {
	provider stt.Provider
	emit     func(ipc.Message)
	rate     int
	language string
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[audio.Source]*sourceStream
	closed   bool
}

type sourceStream struct {
	session   stt.Session
	converter *audio.SampleRateConverter
}

// TranscriberOption configures a [Transcriber].
type TranscriberOption func(*Transcriber)

// WithSTTRate sets the rate frames are resampled to before reaching STT.
func WithSTTRate(hz int) TranscriberOption {
	return func(t *Transcriber) {
		if hz > 0 {
			t.rate = hz
		}
	}
}

// WithLanguage sets the BCP-47 language passed to every session.
func WithLanguage(lang string) TranscriberOption {
	return func(t *Transcriber) { t.language = lang }
}

// WithTranscriberMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithTranscriberMetrics(m *observe.Metrics) TranscriberOption {
	return func(t *Transcriber) { t.metrics = m }
}

// NewTranscriber returns a Transcriber that reports through emit. emit is
// called from per-session goroutines and must be safe for concurrent use.
func NewTranscriber(p stt.Provider, emit func(ipc.Message), opts ...TranscriberOption) *Transcriber {
	t := &Transcriber{
		provider: p,
		emit:     emit,
		rate:     DefaultSTTRate,
		sessions: make(map[audio.Source]*sourceStream),
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Feed resamples frame and sends it to its source's session.
func (t *Transcriber) Feed(frame audio.Frame) error {
	if frame.Empty() {
		return nil
	}
	if t.provider == nil {
		return errors.New("backend: no speech-to-text provider configured")
	}

	stream, err := t.stream(frame.Source)
	if err != nil {
		t.emit(&ipc.TranscriptionError{Error: err.Error(), Source: frame.Source.String()})
		return err
	}

	converted := stream.converter.Convert(frame)
	if err := stream.session.SendAudio(converted.Samples, converted.CapturedAt); err != nil {
		t.drop(frame.Source, stream)
		err = fmt.Errorf("backend: send audio (%s): %w", frame.Source, err)
		t.emit(&ipc.TranscriptionError{Error: err.Error(), Source: frame.Source.String()})
		return err
	}
	return nil
}

// stream returns the live session for src, opening one if needed.
func (t *Transcriber) stream(src audio.Source) (*sourceStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("backend: transcriber closed")
	}
	if s, ok := t.sessions[src]; ok {
		return s, nil
	}

	sess, err := t.provider.StartStream(t.ctx, stt.StreamConfig{SampleRate: t.rate, Language: t.language})
	if err != nil {
		return nil, fmt.Errorf("backend: start stt stream (%s): %w", src, err)
	}
	s := &sourceStream{
		session:   sess,
		converter: &audio.SampleRateConverter{TargetRate: t.rate},
	}
	t.sessions[src] = s
	t.wg.Add(1)
	go t.pump(src, s)
	slog.Info("backend: stt session opened", "source", src, "sample_rate", t.rate)
	return s, nil
}

// pump forwards a session's output until both its channels close.
func (t *Transcriber) pump(src audio.Source, s *sourceStream) {
	defer t.wg.Done()
	finals, errs := s.session.Finals(), s.session.Errors()
	for finals != nil || errs != nil {
		select {
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if tr.Text == "" {
				continue
			}
			if !tr.StartedAt.IsZero() {
				t.metrics.RecordSTT(t.ctx, src.String(), time.Since(tr.StartedAt.Add(tr.Duration)).Seconds())
			}
			t.emit(&ipc.Transcription{
				Text:       tr.Text,
				Source:     src.String(),
				Timestamp:  ipc.EpochSeconds(tr.StartedAt),
				Confidence: tr.Confidence,
			})
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("backend: stt session error, reopening on next frame", "source", src, "err", err)
			t.emit(&ipc.TranscriptionError{Error: err.Error(), Source: src.String()})
			t.drop(src, s)
		}
	}
}

// drop forgets s and closes it in the background. The pump keeps draining
// until Close shuts the channels.
func (t *Transcriber) drop(src audio.Source, s *sourceStream) {
	t.mu.Lock()
	if t.sessions[src] == s {
		delete(t.sessions, src)
	}
	t.mu.Unlock()
	go func() {
		if err := s.session.Close(); err != nil {
			slog.Debug("backend: close stt session", "source", src, "err", err)
		}
	}()
}

// Close flushes and closes every session and waits for their output to be
// delivered.
func (t *Transcriber) Close() error {
	t.mu.Lock()
	t.closed = true
	sessions := t.sessions
	t.sessions = make(map[audio.Source]*sourceStream)
	t.mu.Unlock()

	var errs []error
	for src, s := range sessions {
		if err := s.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend: close stt session (%s): %w", src, err))
		}
	}
	t.wg.Wait()
	t.cancel()
	return errors.Join(errs...)
}
