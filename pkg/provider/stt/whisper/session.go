package whisper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/devecho/pkg/provider/stt"
)

// flushTimeout bounds the final inference run by Close, which may happen
// after the stream context is already cancelled.
const flushTimeout = 30 * time.Second

// inferFunc transcribes one utterance of mono samples.
type inferFunc func(ctx context.Context, samples []float32) (text string, confidence float64, err error)

type chunk struct {
	samples []float32
	at      time.Time
}

// session is shared by the HTTP and native providers; only inference differs.
// All segmentation state is confined to the processLoop goroutine.
type session struct {
	infer      inferFunc
	seg        *segmenter
	sampleRate int

	audioCh chan chunk
	finals  chan stt.Transcript
	errs    chan error

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ stt.Session = (*session)(nil)

func startSession(ctx context.Context, set settings, sampleRate int, infer inferFunc) *session {
	s := &session{
		infer:      infer,
		seg:        newSegmenter(sampleRate, set.rmsThreshold, set.silence, set.maxUtterance),
		sampleRate: sampleRate,
		audioCh:    make(chan chunk, 256),
		finals:     make(chan stt.Transcript, 64),
		errs:       make(chan error, 8),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s
}

// SendAudio implements stt.Session.
func (s *session) SendAudio(samples []float32, capturedAt time.Time) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk{samples: samples, at: capturedAt}:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Finals implements stt.Session.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Errors implements stt.Session.
func (s *session) Errors() <-chan error { return s.errs }

// Close implements stt.Session. Speech still buffered is transcribed first.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.errs)
	defer close(s.finals)

	for {
		select {
		case <-ctx.Done():
			s.finish()
			return
		case <-s.done:
			s.finish()
			return
		case c := <-s.audioCh:
			if u, ok := s.seg.push(c.samples, c.at); ok {
				s.transcribe(ctx, u)
			}
		}
	}
}

// finish segments audio accepted before shutdown and transcribes what is left
// in the buffer, using a fresh context.
func (s *session) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
drain:
	for {
		select {
		case c := <-s.audioCh:
			if u, ok := s.seg.push(c.samples, c.at); ok {
				s.transcribe(ctx, u)
			}
		default:
			break drain
		}
	}
	if u, ok := s.seg.flush(); ok {
		s.transcribe(ctx, u)
	}
}

func (s *session) transcribe(ctx context.Context, u utterance) {
	text, conf, err := s.infer(ctx, u.samples)
	if err != nil {
		select {
		case s.errs <- fmt.Errorf("whisper: %w", err):
		default:
		}
		return
	}
	if text == "" {
		return
	}
	// Buffered; a consumer that stopped reading loses transcripts rather
	// than stalling the session.
	select {
	case s.finals <- stt.Transcript{
		Text:       text,
		Confidence: conf,
		StartedAt:  u.startedAt,
		Duration:   u.duration(s.sampleRate),
	}:
	default:
	}
}
