// Package audio defines the frame type that flows from capture to transport and
// the pure transforms applied to it on the way.
//
// The main pieces are:
//
//   - [Frame]: a mono buffer of normalised float32 samples tagged with its
//     [Source] and capture time.
//   - [Convert] / [SampleRateConverter]: the stateless low-pass + decimate
//     (or interpolate) conversion to the speech-recognition rate.
//   - [Downmix]: interleaved multi-channel to mono reduction.
//   - [EncodeFloat32LE] / [DecodeFloat32LE]: the byte layout used on the wire.
//
// Device access lives in the capture sub-packages; this package has no cgo and
// no global state.
package audio
