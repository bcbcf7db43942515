// The native provider links whisper.cpp through CGO. libwhisper.a and
// whisper.h must be reachable through LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/devecho/pkg/audio"
	"github.com/MrWong99/devecho/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider with an in-process whisper.cpp
// model. The model is loaded once and shared; every utterance gets its own
// whisper context, so sessions may run concurrently.
type NativeProvider struct {
	model    whisperlib.Model
	settings settings
}

// NewNative loads the model at modelPath. Call Close to release it.
func NewNative(modelPath string, opts ...Option) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{model: model, settings: defaultSettings()}
	for _, o := range opts {
		o(&p.settings)
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// StartStream implements stt.Provider. Audio at rates other than 16 kHz is
// resampled before inference.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.settings.language
	}
	infer := func(_ context.Context, samples []float32) (string, float64, error) {
		return p.infer(audio.Resample(samples, rate, SampleRate), lang)
	}
	return startSession(ctx, p.settings, rate, infer), nil
}

// infer runs one utterance and returns the joined segment text with the mean
// token probability as confidence.
func (p *NativeProvider) infer(samples []float32, lang string) (string, float64, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", 0, fmt.Errorf("create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: language not supported, using model default", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", 0, fmt.Errorf("process audio: %w", err)
	}

	var (
		parts  []string
		pSum   float64
		tokens int
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
		for _, tok := range segment.Tokens {
			pSum += float64(tok.P)
			tokens++
		}
	}

	conf := 1.0
	if tokens > 0 {
		conf = pSum / float64(tokens)
	}
	return strings.Join(parts, " "), conf, nil
}
