package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Downmix reduces interleaved multi-channel samples to mono by taking the
// arithmetic mean of every channel at each sample index. A trailing partial
// frame is dropped. With channels <= 1 the input is copied unchanged.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float64
		for ch := range channels {
			sum += float64(interleaved[i*channels+ch])
		}
		mono[i] = float32(sum / float64(channels))
	}
	return mono
}

// EncodeFloat32LE packs samples as little-endian IEEE-754 float32 values.
func EncodeFloat32LE(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

// DecodeFloat32LE is the inverse of [EncodeFloat32LE]. The input length must
// be a multiple of four.
func DecodeFloat32LE(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("audio: float32 pcm length %d is not a multiple of 4", len(b))
	}
	samples := make([]float32, len(b)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return samples, nil
}

// Int16ToFloat32 converts little-endian int16 PCM to normalised float32.
// A trailing odd byte is ignored.
func Int16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return samples
}

// Float32ToInt16 converts normalised float32 samples to little-endian int16
// PCM, clamping out-of-range values.
func Float32ToInt16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := clamp(s) * 32767
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
