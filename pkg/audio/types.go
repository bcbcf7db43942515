package audio

import (
	"fmt"
	"time"
)

// Source identifies which capture tap a frame came from.
type Source int

const (
	// SourceSystem is the system-output tap (what the machine is playing).
	SourceSystem Source = iota

	// SourceMicrophone is the default input device.
	SourceMicrophone
)

// Sources lists every capture source in start order.
var Sources = []Source{SourceSystem, SourceMicrophone}

// String returns the wire tag for s ("system" or "microphone").
func (s Source) String() string {
	switch s {
	case SourceSystem:
		return "system"
	case SourceMicrophone:
		return "microphone"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// ParseSource is the inverse of [Source.String].
func ParseSource(tag string) (Source, error) {
	switch tag {
	case "system":
		return SourceSystem, nil
	case "microphone":
		return SourceMicrophone, nil
	default:
		return 0, fmt.Errorf("audio: unknown source %q", tag)
	}
}

// MarshalText implements encoding.TextMarshaler so sources travel as their tag.
func (s Source) MarshalText() ([]byte, error) {
	switch s {
	case SourceSystem, SourceMicrophone:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("audio: invalid source %d", int(s))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	v, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Frame is a mono buffer of normalised samples flowing from a capture source
// towards the transport. Samples are expected in [-1, 1].
type Frame struct {
	// Samples holds mono PCM. Multi-channel device input is downmixed before a
	// Frame is built.
	Samples []float32

	// SampleRate in Hz (e.g. 48000 from a device, 16000 for STT).
	SampleRate int

	// CapturedAt is the wall-clock time the buffer was delivered by the device.
	CapturedAt time.Time

	// Source tags the tap that produced the frame.
	Source Source
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Empty reports whether the frame carries no samples.
func (f Frame) Empty() bool { return len(f.Samples) == 0 }
