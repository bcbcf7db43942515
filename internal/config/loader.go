package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "openai-compatible", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"whisper", "whisper-native"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Transport
	switch cfg.Transport.Network {
	case NetworkUnix, NetworkTCP:
		if cfg.Transport.Address == "" {
			errs = append(errs, fmt.Errorf("transport.address is required for network %q", cfg.Transport.Network))
		}
	case NetworkWebSocket:
		if u, err := url.Parse(cfg.Transport.Address); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("transport.address %q must be a ws:// or wss:// URL", cfg.Transport.Address))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.network %q is invalid; valid values: unix, tcp, websocket", cfg.Transport.Network))
	}
	rc := cfg.Transport.Reconnect
	if rc.MaxRetries < 0 || rc.Backoff < 0 || rc.MaxBackoff < 0 {
		errs = append(errs, errors.New("transport.reconnect values must not be negative"))
	}
	if rc.MaxBackoff > 0 && rc.Backoff > rc.MaxBackoff {
		errs = append(errs, fmt.Errorf("transport.reconnect.backoff %s exceeds max_backoff %s", rc.Backoff, rc.MaxBackoff))
	}

	// Capture
	if cfg.Capture.TargetSampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.target_sample_rate %d must be positive", cfg.Capture.TargetSampleRate))
	}
	if cfg.Capture.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("capture.queue_size %d must be positive", cfg.Capture.QueueSize))
	}
	if cfg.Capture.Microphone.Disabled && cfg.Capture.System.Disabled {
		errs = append(errs, errors.New("capture: at least one of microphone and system must be enabled"))
	}
	for name, dev := range map[string]DeviceConfig{"microphone": cfg.Capture.Microphone, "system": cfg.Capture.System} {
		if dev.SampleRate < 0 || dev.Channels < 0 {
			errs = append(errs, fmt.Errorf("capture.%s: sample_rate and channels must not be negative", name))
		}
	}

	// Server
	switch cfg.Server.Network {
	case NetworkUnix, NetworkTCP:
		if cfg.Server.Address == "" {
			errs = append(errs, fmt.Errorf("server.address is required for network %q", cfg.Server.Network))
		}
	default:
		errs = append(errs, fmt.Errorf("server.network %q is invalid; valid values: unix, tcp", cfg.Server.Network))
	}
	if cfg.Server.PageSize < 0 || cfg.Server.PageSize > 1000 {
		errs = append(errs, fmt.Errorf("server.page_size %d is out of range [1, 1000]", cfg.Server.PageSize))
	}
	if cfg.Server.LocalTimeout < 0 || cfg.Server.CloudTimeout < 0 {
		errs = append(errs, errors.New("server: query timeouts must not be negative"))
	}
	if cfg.Server.QuickMaxTokens < 0 {
		errs = append(errs, fmt.Errorf("server.quick_max_tokens %d must be positive", cfg.Server.QuickMaxTokens))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LocalLLM.Name)
	validateProviderName("llm", cfg.Providers.CloudLLM.Name)
	for i, fb := range cfg.Providers.CloudFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.cloud_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.CloudFallbacks) > 0 && !cfg.Providers.CloudLLM.Configured() {
		errs = append(errs, errors.New("providers.cloud_fallbacks requires providers.cloud_llm"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if !cfg.Providers.CloudLLM.Configured() {
		slog.Warn("providers.cloud_llm is not configured; cloud queries will report credentials errors")
	}
	if !cfg.Providers.STT.Configured() {
		slog.Warn("providers.stt is not configured; audio will not be transcribed")
	}

	// Knowledge base
	kb := cfg.KnowledgeBase
	if kb.Backend != "" && !kb.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("knowledge_base.backend %q is invalid; valid values: memory, s3, postgres", kb.Backend))
	}
	if kb.Index != "" && !kb.Index.IsValid() {
		errs = append(errs, fmt.Errorf("knowledge_base.index %q is invalid; valid values: keyword, pgvector", kb.Index))
	}
	if kb.Backend == KBS3 && kb.S3.Bucket == "" {
		errs = append(errs, errors.New("knowledge_base.s3.bucket is required when backend is s3"))
	}
	if (kb.S3.AccessKeyID == "") != (kb.S3.SecretAccessKey == "") {
		errs = append(errs, errors.New("knowledge_base.s3: access_key_id and secret_access_key must be set together"))
	}
	if (kb.Backend == KBPostgres || kb.Index == IndexPGVector) && kb.PostgresDSN == "" {
		errs = append(errs, errors.New("knowledge_base.postgres_dsn is required for the postgres backend and the pgvector index"))
	}
	if kb.Index == IndexPGVector && !cfg.Providers.Embeddings.Configured() {
		errs = append(errs, errors.New("knowledge_base.index pgvector requires providers.embeddings"))
	}
	if kb.TopK < 0 || kb.ChunkSize < 0 {
		errs = append(errs, errors.New("knowledge_base: top_k and chunk_size must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
