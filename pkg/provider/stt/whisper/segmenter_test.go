package whisper

import (
	"math"
	"testing"
	"time"
)

// 20 ms at 16 kHz.
const chunkLen = 320

func speech(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func silence(n int) []float32 { return make([]float32, n) }

func TestSegmenter(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name      string
		chunks    [][]float32
		wantCuts  int
		wantLens  []int
		wantFlush bool
		flushLen  int
		maxUttr   time.Duration
	}{
		{
			name:   "silence only",
			chunks: [][]float32{silence(chunkLen), silence(chunkLen), silence(chunkLen)},
		},
		{
			name: "speech then enough silence",
			// 5 speech chunks + 25 silent chunks (500 ms).
			chunks:   append(repeat(speech(chunkLen), 5), repeat(silence(chunkLen), 25)...),
			wantCuts: 1,
			wantLens: []int{30 * chunkLen},
		},
		{
			name:      "speech then short pause",
			chunks:    append(repeat(speech(chunkLen), 5), repeat(silence(chunkLen), 10)...),
			wantFlush: true,
			flushLen:  15 * chunkLen,
		},
		{
			name:     "max utterance forces a cut",
			chunks:   repeat(speech(chunkLen), 12),
			maxUttr:  200 * time.Millisecond,
			wantCuts: 1,
			wantLens: []int{10 * chunkLen},
			// Two chunks remain buffered after the forced cut.
			wantFlush: true,
			flushLen:  2 * chunkLen,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			maxU := tt.maxUttr
			if maxU == 0 {
				maxU = defaultMaxUtterance
			}
			seg := newSegmenter(16000, defaultRMSThreshold, defaultSilence, maxU)

			var cuts []utterance
			for i, c := range tt.chunks {
				if u, ok := seg.push(c, t0.Add(time.Duration(i)*20*time.Millisecond)); ok {
					cuts = append(cuts, u)
				}
			}
			if len(cuts) != tt.wantCuts {
				t.Fatalf("got %d utterances, want %d", len(cuts), tt.wantCuts)
			}
			for i, want := range tt.wantLens {
				if len(cuts[i].samples) != want {
					t.Errorf("utterance %d has %d samples, want %d", i, len(cuts[i].samples), want)
				}
			}
			if len(cuts) > 0 && !cuts[0].startedAt.Equal(t0) {
				t.Errorf("startedAt = %v, want %v", cuts[0].startedAt, t0)
			}

			u, ok := seg.flush()
			if ok != tt.wantFlush {
				t.Fatalf("flush ok = %v, want %v", ok, tt.wantFlush)
			}
			if ok && len(u.samples) != tt.flushLen {
				t.Errorf("flushed %d samples, want %d", len(u.samples), tt.flushLen)
			}
			if _, again := seg.flush(); again {
				t.Error("second flush returned audio")
			}
		})
	}
}

func repeat(c []float32, n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = c
	}
	return out
}

func TestUtteranceDuration(t *testing.T) {
	t.Parallel()
	u := utterance{samples: make([]float32, 8000)}
	if got := u.duration(16000); got != 500*time.Millisecond {
		t.Errorf("duration = %v, want 500ms", got)
	}
	if got := u.duration(0); got != 0 {
		t.Errorf("duration at rate 0 = %v", got)
	}
}

func TestEncodeWAV(t *testing.T) {
	t.Parallel()
	wav := encodeWAV(speech(100), 16000)
	if len(wav) != 44+200 {
		t.Fatalf("len = %d, want 244", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Errorf("bad header %q", wav[:44])
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if rms(nil) != 0 || rms(silence(10)) != 0 {
		t.Error("silence should have zero rms")
	}
	full := []float32{1, -1, 1, -1}
	if got := rms(full); math.Abs(got-1) > 1e-9 {
		t.Errorf("rms = %v, want 1", got)
	}
}
