package whisper

import (
	"math"
	"time"
)

// Segmentation defaults. defaultRMSThreshold is roughly 300 on the int16
// scale, i.e. near-silence.
const (
	defaultRMSThreshold = 0.01
	defaultSilence      = 500 * time.Millisecond
	defaultMaxUtterance = 10 * time.Second
)

// utterance is a run of speech ready for inference.
type utterance struct {
	samples   []float32
	startedAt time.Time
}

func (u utterance) duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(u.samples)) * time.Second / time.Duration(sampleRate)
}

// segmenter cuts a sample stream into utterances with an energy detector:
// leading silence is discarded, speech is buffered, and the buffer is
// released after a run of trailing silence or once it reaches the maximum
// length. It is not safe for concurrent use.
type segmenter struct {
	sampleRate   int
	threshold    float64
	silence      time.Duration
	maxUtterance time.Duration

	buf           []float32
	startedAt     time.Time
	hadSpeech     bool
	silentSamples int
}

func newSegmenter(sampleRate int, threshold float64, silence, maxUtterance time.Duration) *segmenter {
	return &segmenter{
		sampleRate:   sampleRate,
		threshold:    threshold,
		silence:      silence,
		maxUtterance: maxUtterance,
	}
}

// push feeds one chunk and returns a completed utterance when one ends.
func (s *segmenter) push(samples []float32, at time.Time) (utterance, bool) {
	if len(samples) == 0 {
		return utterance{}, false
	}
	if rms(samples) < s.threshold {
		if !s.hadSpeech {
			return utterance{}, false
		}
		s.buf = append(s.buf, samples...)
		s.silentSamples += len(samples)
		if s.samplesToDuration(s.silentSamples) >= s.silence {
			return s.flush()
		}
		return utterance{}, false
	}

	if !s.hadSpeech {
		s.hadSpeech = true
		s.startedAt = at
	}
	s.silentSamples = 0
	s.buf = append(s.buf, samples...)
	if s.maxUtterance > 0 && s.samplesToDuration(len(s.buf)) >= s.maxUtterance {
		return s.flush()
	}
	return utterance{}, false
}

// flush releases buffered speech, if any, and resets the segmenter.
func (s *segmenter) flush() (utterance, bool) {
	u := utterance{samples: s.buf, startedAt: s.startedAt}
	ok := s.hadSpeech && len(s.buf) > 0
	s.buf = nil
	s.hadSpeech = false
	s.silentSamples = 0
	s.startedAt = time.Time{}
	return u, ok
}

func (s *segmenter) samplesToDuration(n int) time.Duration {
	if s.sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(s.sampleRate)
}

// rms returns the root-mean-square level of normalised samples.
func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
