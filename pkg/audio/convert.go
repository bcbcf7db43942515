package audio

import (
	"log/slog"
	"math"
	"sync"
)

// SampleRateConverter converts frames to a fixed target rate. It logs once on
// the first rate mismatch so a misconfigured device shows up in the logs
// without flooding them. Safe for concurrent use.
type SampleRateConverter struct {
	TargetRate int

	warnedMismatch sync.Once
}

// Convert converts frame to c.TargetRate. See [Convert].
func (c *SampleRateConverter) Convert(frame Frame) Frame {
	if frame.SampleRate != c.TargetRate && frame.SampleRate > 0 {
		c.warnedMismatch.Do(func() {
			slog.Info("audio converter: resampling",
				"source", frame.Source,
				"from", frame.SampleRate,
				"to", c.TargetRate,
			)
		})
	}
	return Convert(frame, c.TargetRate)
}

// Convert resamples frame to targetRate. If the rates already match (or either
// is non-positive) the frame is returned unchanged.
//
// The samples are first low-passed with a normalised boxcar whose length is
// derived from the rate ratio, then decimated when the ratio is an exact
// integer or linearly interpolated otherwise. No filter history is carried
// between calls, so each buffer is converted on its own.
func Convert(frame Frame, targetRate int) Frame {
	if frame.SampleRate <= 0 || targetRate <= 0 || frame.SampleRate == targetRate {
		return frame
	}
	out := frame
	out.Samples = Resample(frame.Samples, frame.SampleRate, targetRate)
	out.SampleRate = targetRate
	return out
}

// Resample converts mono float samples from srcRate to dstRate. An integer
// ratio N yields floor(len(samples)/N) samples; other ratios yield
// floor(len(samples)*dstRate/srcRate).
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return samples
	}
	if len(samples) == 0 {
		return nil
	}

	ratio := float64(srcRate) / float64(dstRate)
	filtered := LowPass(samples, KernelLength(ratio))

	if srcRate%dstRate == 0 {
		return decimate(filtered, srcRate/dstRate)
	}
	return interpolate(filtered, ratio, int(int64(len(samples))*int64(dstRate)/int64(srcRate)))
}

// KernelLength returns the boxcar length used for a given src/dst ratio:
// 2*round(ratio)+1, never less than 3.
func KernelLength(ratio float64) int {
	half := int(math.Round(ratio))
	if half < 1 {
		half = 1
	}
	return 2*half + 1
}

// LowPass applies a normalised moving average of the given odd length. The
// first and last length/2 samples are copied through unfiltered so the output
// has the same length as the input.
func LowPass(samples []float32, length int) []float32 {
	out := make([]float32, len(samples))
	copy(out, samples)

	half := length / 2
	if half < 1 || len(samples) < length {
		return out
	}

	var sum float64
	for i := 0; i < length; i++ {
		sum += float64(samples[i])
	}
	for i := half; i < len(samples)-half; i++ {
		out[i] = clamp(float32(sum / float64(length)))
		// Slide the window one sample to the right.
		if next := i + half + 1; next < len(samples) {
			sum += float64(samples[next]) - float64(samples[i-half])
		}
	}
	return out
}

func decimate(samples []float32, n int) []float32 {
	outLen := len(samples) / n
	if outLen == 0 {
		return nil
	}
	out := make([]float32, outLen)
	for i := range outLen {
		out[i] = samples[i*n]
	}
	return out
}

func interpolate(samples []float32, ratio float64, outLen int) []float32 {
	if outLen == 0 {
		return nil
	}
	out := make([]float32, outLen)
	for i := range outLen {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		frac := pos - float64(idx)

		s0 := float64(samples[idx])
		s1 := s0
		if idx+1 < len(samples) {
			s1 = float64(samples[idx+1])
		}
		out[i] = clamp(float32(s0*(1-frac) + s1*frac))
	}
	return out
}

func clamp(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}
