// Package portaudio implements [capture.Source] on top of PortAudio.
//
// Two constructors cover the two taps:
//
//   - [NewMicrophone] opens the configured (or default) input device.
//   - [NewSystem] opens a loopback device that carries the system output mix
//     (a PulseAudio/PipeWire ".monitor" source, BlackHole or Loopback on macOS,
//     "Stereo Mix" on Windows).
//
// devecho never opens an output stream, so the system tap cannot pick up audio
// emitted by this process. Only audio streams are opened; no screen or video
// capture is involved even though macOS gates the tap behind the
// screen-recording permission.
//
// Each source owns its stream from a single read goroutine. Multi-channel
// device input is downmixed to mono before it reaches the frame callback.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/devecho/pkg/audio"
	"github.com/MrWong99/devecho/pkg/audio/capture"
	"github.com/MrWong99/devecho/pkg/audio/capture/permission"
)

// Default stream parameters.
const (
	DefaultSampleRate      = 48000
	DefaultFramesPerBuffer = 1024
)

// loopbackHints are lower-cased device-name fragments that identify a system
// output loopback when no device is configured.
var loopbackHints = []string{"monitor", "blackhole", "loopback", "stereo mix", "soundflower"}

// Ensure Source implements capture.Source at compile time.
var _ capture.Source = (*Source)(nil)

// Config selects and shapes the PortAudio input stream.
type Config struct {
	// Device is the exact device name. Empty selects the default input for the
	// microphone and the first loopback-looking device for the system tap.
	Device string

	// SampleRate in Hz. Defaults to DefaultSampleRate.
	SampleRate int

	// Channels requested from the device; clamped to what the device offers.
	// Zero means "all the device has".
	Channels int

	// FramesPerBuffer controls the callback granularity. Defaults to
	// DefaultFramesPerBuffer.
	FramesPerBuffer int
}

// Option is a functional option for Source.
type Option func(*Source)

// WithPermissionChecker replaces the OS permission checker.
func WithPermissionChecker(c permission.Checker) Option {
	return func(s *Source) {
		s.perms = c
	}
}

// Source captures one tap through PortAudio.
type Source struct {
	kind     audio.Source
	permKind permission.Kind
	cfg      Config
	perms    permission.Checker
	lc       capture.Lifecycle

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMicrophone returns a Source for the microphone tap.
func NewMicrophone(cfg Config, opts ...Option) *Source {
	return newSource(audio.SourceMicrophone, permission.Microphone, cfg, opts)
}

// NewSystem returns a Source for the system-output tap.
func NewSystem(cfg Config, opts ...Option) *Source {
	return newSource(audio.SourceSystem, permission.SystemAudio, cfg, opts)
}

func newSource(kind audio.Source, permKind permission.Kind, cfg Config, opts []Option) *Source {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = DefaultFramesPerBuffer
	}
	s := &Source{
		kind:     kind,
		permKind: permKind,
		cfg:      cfg,
		perms:    permission.System,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Kind implements capture.Source.
func (s *Source) Kind() audio.Source { return s.kind }

// State implements capture.Source.
func (s *Source) State() capture.State { return s.lc.State() }

// CheckPermission implements capture.Source.
func (s *Source) CheckPermission() bool {
	return s.perms.Check(s.permKind) == permission.StatusAuthorized
}

// RequestPermission implements capture.Source.
func (s *Source) RequestPermission(ctx context.Context) (bool, error) {
	return s.perms.Request(ctx, s.permKind)
}

// Start implements capture.Source.
func (s *Source) Start(ctx context.Context, cb capture.Callbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lc.BeginStart() {
		return nil
	}

	if !s.CheckPermission() {
		granted, err := s.perms.Request(ctx, s.permKind)
		if err != nil {
			s.lc.Abort()
			return fmt.Errorf("portaudio: %s: request permission: %w", s.kind, err)
		}
		if !granted {
			s.lc.Abort()
			return fmt.Errorf("portaudio: %s: %w", s.kind, capture.ErrPermissionDenied)
		}
	}

	if err := pa.Initialize(); err != nil {
		s.lc.Abort()
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	stream, buf, channels, err := s.open()
	if err != nil {
		_ = pa.Terminate()
		s.lc.Abort()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lc.Capturing()

	slog.Info("capture started",
		"source", s.kind,
		"sampleRate", s.cfg.SampleRate,
		"channels", channels,
	)

	go s.readLoop(loopCtx, stream, buf, channels, cb, s.done)
	return nil
}

// open resolves the device and starts a blocking input stream.
func (s *Source) open() (*pa.Stream, []float32, int, error) {
	device, err := s.device()
	if err != nil {
		return nil, nil, 0, err
	}

	channels := device.MaxInputChannels
	if s.cfg.Channels > 0 && s.cfg.Channels < channels {
		channels = s.cfg.Channels
	}
	if channels <= 0 {
		return nil, nil, 0, fmt.Errorf("portaudio: %s: device %q has no input channels: %w",
			s.kind, device.Name, capture.ErrDeviceUnavailable)
	}

	buf := make([]float32, s.cfg.FramesPerBuffer*channels)
	stream, err := pa.OpenStream(pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.cfg.SampleRate),
		FramesPerBuffer: s.cfg.FramesPerBuffer,
	}, buf)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("portaudio: %s: open stream: %w", s.kind, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, nil, 0, fmt.Errorf("portaudio: %s: start stream: %w", s.kind, err)
	}
	return stream, buf, channels, nil
}

// device picks the input device for this tap.
func (s *Source) device() (*pa.DeviceInfo, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: enumerate devices: %w", err)
	}

	if s.cfg.Device != "" {
		for _, d := range devices {
			if d.Name == s.cfg.Device && d.MaxInputChannels > 0 {
				return d, nil
			}
		}
		return nil, fmt.Errorf("portaudio: %s: device %q: %w", s.kind, s.cfg.Device, capture.ErrDeviceUnavailable)
	}

	if s.kind == audio.SourceMicrophone {
		d, err := pa.DefaultInputDevice()
		if err != nil || d == nil {
			return nil, fmt.Errorf("portaudio: microphone: no default input: %w", capture.ErrDeviceUnavailable)
		}
		return d, nil
	}

	if d := findLoopback(devices); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("portaudio: system: no loopback device found: %w", capture.ErrDeviceUnavailable)
}

// findLoopback returns the first input device whose name looks like a system
// output loopback.
func findLoopback(devices []*pa.DeviceInfo) *pa.DeviceInfo {
	for _, d := range devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		if IsLoopbackName(d.Name) {
			return d
		}
	}
	return nil
}

// IsLoopbackName reports whether a device name matches a known loopback
// naming pattern.
func IsLoopbackName(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range loopbackHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// readLoop owns the stream until ctx is cancelled or the device faults.
func (s *Source) readLoop(ctx context.Context, stream *pa.Stream, buf []float32, channels int, cb capture.Callbacks, done chan struct{}) {
	defer close(done)
	defer func() {
		_ = stream.Stop()
		_ = stream.Close()
		_ = pa.Terminate()
	}()

	for ctx.Err() == nil {
		if err := stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.lc.Stop()
			slog.Error("capture stream failed", "source", s.kind, "err", err)
			if cb.OnFailure != nil {
				cb.OnFailure(&capture.FailureError{Source: s.kind, Err: err})
			}
			return
		}

		if cb.OnFrame == nil {
			continue
		}
		cb.OnFrame(audio.Frame{
			Samples:    audio.Downmix(buf, channels),
			SampleRate: s.cfg.SampleRate,
			CapturedAt: time.Now(),
			Source:     s.kind,
		})
	}
}

// Stop implements capture.Source.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
		s.done = nil
		slog.Info("capture stopped", "source", s.kind)
	}
	s.lc.Stop()
	return nil
}

// Device describes an input device for listings.
type Device struct {
	Name       string
	Channels   int
	SampleRate float64
	Default    bool
	Loopback   bool
}

// Devices lists every input-capable device.
func Devices() ([]Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer func() { _ = pa.Terminate() }()

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: enumerate devices: %w", err)
	}
	def, _ := pa.DefaultInputDevice()

	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		out = append(out, Device{
			Name:       d.Name,
			Channels:   d.MaxInputChannels,
			SampleRate: d.DefaultSampleRate,
			Default:    def != nil && d.Name == def.Name,
			Loopback:   IsLoopbackName(d.Name),
		})
	}
	return out, nil
}
