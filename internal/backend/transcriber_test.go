package backend

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/devecho/pkg/audio"
	"github.com/MrWong99/devecho/pkg/ipc"
	"github.com/MrWong99/devecho/pkg/provider/stt"
	sttmock "github.com/MrWong99/devecho/pkg/provider/stt/mock"
)

func newEmitter() (func(ipc.Message), <-chan ipc.Message) {
	ch := make(chan ipc.Message, 32)
	return func(m ipc.Message) { ch <- m }, ch
}

func nextMessage(t *testing.T, ch <-chan ipc.Message) ipc.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message emitted")
		return nil
	}
}

func frame(src audio.Source, n, rate int) audio.Frame {
	return audio.Frame{Samples: make([]float32, n), SampleRate: rate, CapturedAt: time.Now(), Source: src}
}

func TestTranscriber_OpensOneSessionPerSource(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{}
	emit, _ := newEmitter()
	tr := NewTranscriber(p, emit, WithLanguage("en"), WithTranscriberMetrics(newTestMetrics(t)))
	defer tr.Close()

	for range 3 {
		if err := tr.Feed(frame(audio.SourceSystem, 480, 48000)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Feed(frame(audio.SourceMicrophone, 160, 16000)); err != nil {
		t.Fatal(err)
	}

	sessions := p.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	for _, cfg := range p.Configs {
		if cfg.SampleRate != DefaultSTTRate || cfg.Language != "en" {
			t.Errorf("config = %+v", cfg)
		}
	}
	sys := sessions[0].AudioCalls()
	if len(sys) != 3 || sys[0].Samples != 160 {
		t.Errorf("system audio calls = %+v, want 3 calls of 160 samples", sys)
	}
	if mic := sessions[1].AudioCalls(); len(mic) != 1 || mic[0].Samples != 160 {
		t.Errorf("microphone audio calls = %+v", mic)
	}
}

func TestTranscriber_EmitsFinals(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{}
	emit, out := newEmitter()
	tr := NewTranscriber(p, emit, WithTranscriberMetrics(newTestMetrics(t)))
	defer tr.Close()

	if err := tr.Feed(frame(audio.SourceMicrophone, 160, 16000)); err != nil {
		t.Fatal(err)
	}
	started := time.Unix(1700000000, 500_000_000)
	sess := p.Sessions()[0]
	sess.Emit(stt.Transcript{Text: "", StartedAt: started})
	sess.Emit(stt.Transcript{Text: "ship it", Confidence: 0.8, StartedAt: started})

	got, ok := nextMessage(t, out).(*ipc.Transcription)
	if !ok {
		t.Fatalf("message is not a transcription")
	}
	if got.Text != "ship it" || got.Source != "microphone" || got.Confidence != 0.8 || math.Abs(got.Timestamp-1700000000.5) > 1e-3 {
		t.Errorf("transcription = %+v", got)
	}
}

func TestTranscriber_ReopensAfterSessionError(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{}
	emit, out := newEmitter()
	tr := NewTranscriber(p, emit, WithTranscriberMetrics(newTestMetrics(t)))
	defer tr.Close()

	_ = tr.Feed(frame(audio.SourceSystem, 160, 16000))
	first := p.Sessions()[0]
	first.Fail(errors.New("model crashed"))

	e, ok := nextMessage(t, out).(*ipc.TranscriptionError)
	if !ok || e.Source != "system" || e.Error != "model crashed" {
		t.Fatalf("message = %#v", e)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !first.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("failed session not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := tr.Feed(frame(audio.SourceSystem, 160, 16000)); err != nil {
		t.Fatal(err)
	}
	if n := len(p.Sessions()); n != 2 {
		t.Errorf("sessions = %d, want a replacement", n)
	}
}

func TestTranscriber_SendAudioFailure(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{}
	emit, out := newEmitter()
	tr := NewTranscriber(p, emit, WithTranscriberMetrics(newTestMetrics(t)))
	defer tr.Close()

	_ = tr.Feed(frame(audio.SourceSystem, 160, 16000))
	p.Sessions()[0].Close()

	if err := tr.Feed(frame(audio.SourceSystem, 160, 16000)); !errors.Is(err, stt.ErrSessionClosed) {
		t.Fatalf("Feed err = %v, want ErrSessionClosed", err)
	}
	if _, ok := nextMessage(t, out).(*ipc.TranscriptionError); !ok {
		t.Error("no transcription_error emitted")
	}
}

func TestTranscriber_StartStreamFailure(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{StartStreamErr: errors.New("no model")}
	emit, out := newEmitter()
	tr := NewTranscriber(p, emit, WithTranscriberMetrics(newTestMetrics(t)))
	defer tr.Close()

	if err := tr.Feed(frame(audio.SourceMicrophone, 160, 16000)); err == nil {
		t.Fatal("Feed succeeded without a session")
	}
	if e, ok := nextMessage(t, out).(*ipc.TranscriptionError); !ok || e.Source != "microphone" {
		t.Errorf("message = %#v", e)
	}
}

func TestTranscriber_Close(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{}
	emit, _ := newEmitter()
	tr := NewTranscriber(p, emit, WithTranscriberMetrics(newTestMetrics(t)))

	_ = tr.Feed(frame(audio.SourceSystem, 160, 16000))
	_ = tr.Feed(frame(audio.SourceMicrophone, 160, 16000))
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	for i, s := range p.Sessions() {
		if !s.Closed() {
			t.Errorf("session %d still open", i)
		}
	}
	if err := tr.Feed(frame(audio.SourceSystem, 160, 16000)); err == nil {
		t.Error("Feed after Close succeeded")
	}
}
