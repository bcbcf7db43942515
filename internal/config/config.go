// Package config defines the configuration schema for the devecho client and
// backend, the YAML loader, a provider registry and a polling file watcher.
package config

import (
	"log/slog"
	"os"
	"time"
)

// LogLevel controls the verbosity of the structured logger.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Transport network names shared by the client dialer and the backend
// listeners.
const (
	NetworkUnix      = "unix"
	NetworkTCP       = "tcp"
	NetworkWebSocket = "websocket"
)

// KBBackend selects the document store implementation.
type KBBackend string

const (
	KBMemory   KBBackend = "memory"
	KBS3       KBBackend = "s3"
	KBPostgres KBBackend = "postgres"
)

// IsValid reports whether b names a known store.
func (b KBBackend) IsValid() bool {
	switch b {
	case KBMemory, KBS3, KBPostgres:
		return true
	}
	return false
}

// IndexKind selects the retrieval index used for RAG.
type IndexKind string

const (
	IndexKeyword  IndexKind = "keyword"
	IndexPGVector IndexKind = "pgvector"
)

// IsValid reports whether k names a known index.
func (k IndexKind) IsValid() bool {
	return k == IndexKeyword || k == IndexPGVector
}

// Config is the root configuration structure. The client reads LogLevel,
// Transport and Capture; the backend reads everything else.
type Config struct {
	LogLevel      LogLevel            `yaml:"log_level"`
	Transport     TransportConfig     `yaml:"transport"`
	Capture       CaptureConfig       `yaml:"capture"`
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	KnowledgeBase KnowledgeBaseConfig `yaml:"knowledge_base"`
}

// TransportConfig tells the client how to reach the backend.
type TransportConfig struct {
	// Network is one of "unix", "tcp" or "websocket".
	Network string `yaml:"network"`

	// Address is a socket path, host:port or ws:// URL depending on Network.
	Address string `yaml:"address"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig shapes the client's exponential backoff after an
// unexpected disconnect.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// CaptureConfig configures the client's audio sources.
type CaptureConfig struct {
	// TargetSampleRate is the rate frames are converted to before they are
	// sent to the backend.
	TargetSampleRate int `yaml:"target_sample_rate"`

	// QueueSize bounds the frames waiting to be forwarded.
	QueueSize int `yaml:"queue_size"`

	Microphone DeviceConfig `yaml:"microphone"`
	System     DeviceConfig `yaml:"system"`
}

// DeviceConfig configures one capture device.
type DeviceConfig struct {
	// Disabled leaves the source out entirely.
	Disabled bool `yaml:"disabled"`

	// Device is the exact device name. Empty selects a default.
	Device string `yaml:"device"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// ServerConfig configures the backend listeners and request handling.
type ServerConfig struct {
	// Network is "unix" or "tcp".
	Network string `yaml:"network"`
	Address string `yaml:"address"`

	// SocketMode is applied to the unix socket file.
	SocketMode os.FileMode `yaml:"socket_mode"`

	// WebSocketAddr enables a WebSocket listener when non-empty.
	WebSocketAddr string `yaml:"websocket_addr"`

	// HTTPAddr serves /metrics, /healthz and /readyz when non-empty.
	HTTPAddr string `yaml:"http_addr"`

	// PageSize is the kb_list page size used when a request asks for zero.
	PageSize int `yaml:"page_size"`

	LocalTimeout   time.Duration `yaml:"local_timeout"`
	CloudTimeout   time.Duration `yaml:"cloud_timeout"`
	QuickMaxTokens int           `yaml:"quick_max_tokens"`
	SystemPrompt   string        `yaml:"system_prompt"`
}

// ProvidersConfig selects the backend's external collaborators.
type ProvidersConfig struct {
	LocalLLM ProviderEntry `yaml:"local_llm"`
	CloudLLM ProviderEntry `yaml:"cloud_llm"`

	// CloudFallbacks are tried in order when CloudLLM fails.
	CloudFallbacks []ProviderEntry `yaml:"cloud_fallbacks"`

	STT        ProviderEntry `yaml:"stt"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration shape for a single provider.
type ProviderEntry struct {
	// Name is the registered provider name (e.g., "ollama", "anthropic",
	// "whisper"). Empty leaves the slot unconfigured.
	Name string `yaml:"name"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific settings.
	Options map[string]any `yaml:"options"`
}

// Configured reports whether the entry names a provider.
func (e ProviderEntry) Configured() bool { return e.Name != "" }

// KnowledgeBaseConfig configures document storage and retrieval.
type KnowledgeBaseConfig struct {
	Backend KBBackend `yaml:"backend"`
	S3      S3Config  `yaml:"s3"`

	// PostgresDSN is required by the postgres store and the pgvector index.
	PostgresDSN string `yaml:"postgres_dsn"`

	Index IndexKind `yaml:"index"`

	// TopK is the number of chunks retrieved for a RAG query.
	TopK int `yaml:"top_k"`

	// ChunkSize is the approximate number of words per indexed chunk.
	ChunkSize int `yaml:"chunk_size"`
}

// S3Config locates the bucket holding knowledge-base documents.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// Defaults.
const (
	DefaultSocketPath     = "/tmp/devecho.sock"
	DefaultSampleRate     = 16000
	DefaultQueueSize      = 64
	DefaultPageSize       = 20
	DefaultQueryTimeout   = 60 * time.Second
	DefaultQuickMaxTokens = 256
	DefaultTopK           = 5
	DefaultChunkSize      = 200
	DefaultS3Prefix       = "kb-documents/"
	DefaultS3Region       = "us-west-2"
	DefaultLocalModel     = "llama3.2:3b"
	DefaultOllamaURL      = "http://localhost:11434"
	DefaultSystemPrompt   = "You are a concise assistant for a software developer. " +
		"Answer using the conversation transcript when it is relevant."
)

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = LogInfo
	}

	t := &c.Transport
	if t.Network == "" {
		t.Network = NetworkUnix
	}
	if t.Address == "" && t.Network == NetworkUnix {
		t.Address = DefaultSocketPath
	}

	cp := &c.Capture
	if cp.TargetSampleRate == 0 {
		cp.TargetSampleRate = DefaultSampleRate
	}
	if cp.QueueSize == 0 {
		cp.QueueSize = DefaultQueueSize
	}

	s := &c.Server
	if s.Network == "" {
		s.Network = NetworkUnix
	}
	if s.Address == "" && s.Network == NetworkUnix {
		s.Address = DefaultSocketPath
	}
	if s.SocketMode == 0 {
		s.SocketMode = 0o600
	}
	if s.PageSize == 0 {
		s.PageSize = DefaultPageSize
	}
	if s.LocalTimeout == 0 {
		s.LocalTimeout = DefaultQueryTimeout
	}
	if s.CloudTimeout == 0 {
		s.CloudTimeout = DefaultQueryTimeout
	}
	if s.QuickMaxTokens == 0 {
		s.QuickMaxTokens = DefaultQuickMaxTokens
	}
	if s.SystemPrompt == "" {
		s.SystemPrompt = DefaultSystemPrompt
	}

	if !c.Providers.LocalLLM.Configured() {
		c.Providers.LocalLLM = ProviderEntry{Name: "ollama", Model: DefaultLocalModel, BaseURL: DefaultOllamaURL}
	}

	kb := &c.KnowledgeBase
	if kb.Backend == "" {
		kb.Backend = KBMemory
	}
	if kb.Index == "" {
		kb.Index = IndexKeyword
	}
	if kb.TopK == 0 {
		kb.TopK = DefaultTopK
	}
	if kb.ChunkSize == 0 {
		kb.ChunkSize = DefaultChunkSize
	}
	if kb.S3.Prefix == "" {
		kb.S3.Prefix = DefaultS3Prefix
	}
	if kb.S3.Region == "" {
		kb.S3.Region = DefaultS3Region
	}
}
