// Package whisper provides speech-to-text backed by whisper.cpp, either
// through a running whisper-server (POST /inference) or through the native
// CGO bindings with a locally loaded model.
//
// whisper.cpp is a batch engine, so both providers simulate streaming: audio
// is buffered, an energy-based silence detector cuts it into utterances, and
// each utterance is transcribed as a whole. A Transcript is therefore emitted
// shortly after the speaker pauses.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
//	sess.SendAudio(samples, time.Now())
//	t := <-sess.Finals()
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/devecho/pkg/audio"
	"github.com/MrWong99/devecho/pkg/provider/stt"
)

const (
	// SampleRate is the rate whisper.cpp models are trained on.
	SampleRate = 16000

	defaultLanguage = "en"
)

// settings are shared by the HTTP and native providers.
type settings struct {
	language     string
	model        string
	rmsThreshold float64
	silence      time.Duration
	maxUtterance time.Duration
	httpClient   *http.Client
}

func defaultSettings() settings {
	return settings{
		language:     defaultLanguage,
		rmsThreshold: defaultRMSThreshold,
		silence:      defaultSilence,
		maxUtterance: defaultMaxUtterance,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Option configures either provider.
type Option func(*settings)

// WithLanguage sets the language code passed to whisper ("en", "de", ...).
func WithLanguage(lang string) Option {
	return func(s *settings) { s.language = lang }
}

// WithModel sets the model name forwarded to whisper-server. Ignored by the
// native provider, which is bound to the model file it loaded.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithSilenceThreshold sets how much trailing silence ends an utterance.
func WithSilenceThreshold(d time.Duration) Option {
	return func(s *settings) { s.silence = d }
}

// WithMaxUtterance caps how much speech is buffered before a forced cut.
func WithMaxUtterance(d time.Duration) Option {
	return func(s *settings) { s.maxUtterance = d }
}

// WithRMSThreshold sets the level, on the normalised [-1, 1] scale, below
// which a chunk counts as silence.
func WithRMSThreshold(level float64) Option {
	return func(s *settings) { s.rmsThreshold = level }
}

// WithHTTPClient replaces the client used to reach whisper-server.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider against a whisper-server HTTP endpoint.
type Provider struct {
	serverURL string
	settings  settings
}

// New creates a Provider for the whisper-server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{serverURL: strings.TrimRight(serverURL, "/"), settings: defaultSettings()}
	for _, o := range opts {
		o(&p.settings)
	}
	return p, nil
}

// StartStream implements stt.Provider. No connection is made until the first
// utterance is complete.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
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
	infer := func(ctx context.Context, samples []float32) (string, float64, error) {
		text, err := p.infer(ctx, samples, rate, lang)
		return text, 1, err
	}
	return startSession(ctx, p.settings, rate, infer), nil
}

// infer posts one utterance as a WAV upload and returns the text.
func (p *Provider) infer(ctx context.Context, samples []float32, rate int, lang string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(samples, rate)); err != nil {
		return "", fmt.Errorf("write wav data: %w", err)
	}
	fields := map[string]string{"response_format": "json", "language": lang, "model": p.settings.model}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.settings.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// encodeWAV wraps samples as a mono 16-bit PCM RIFF/WAV file.
func encodeWAV(samples []float32, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	pcm := audio.Float32ToInt16(samples)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
