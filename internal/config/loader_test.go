package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/devecho/internal/config"
)

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.LogLevel, config.LogInfo)
	}
	if cfg.Transport.Network != config.NetworkUnix || cfg.Transport.Address != config.DefaultSocketPath {
		t.Errorf("transport: got %+v", cfg.Transport)
	}
	if cfg.Server.SocketMode != 0o600 {
		t.Errorf("socket_mode: got %o, want 600", cfg.Server.SocketMode)
	}
	if cfg.Server.CloudTimeout != 60*time.Second || cfg.Server.LocalTimeout != 60*time.Second {
		t.Errorf("timeouts: got %s/%s", cfg.Server.LocalTimeout, cfg.Server.CloudTimeout)
	}
	if cfg.Capture.TargetSampleRate != 16000 {
		t.Errorf("target_sample_rate: got %d", cfg.Capture.TargetSampleRate)
	}
	local := cfg.Providers.LocalLLM
	if local.Name != "ollama" || local.Model != "llama3.2:3b" || local.BaseURL != "http://localhost:11434" {
		t.Errorf("local_llm default: got %+v", local)
	}
	kb := cfg.KnowledgeBase
	if kb.Backend != config.KBMemory || kb.Index != config.IndexKeyword || kb.TopK != 5 || kb.S3.Prefix != "kb-documents/" {
		t.Errorf("knowledge_base defaults: got %+v", kb)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
log_level: debug
transport:
  network: websocket
  address: ws://127.0.0.1:8765/ws
  reconnect:
    max_retries: 4
    backoff: 250ms
    max_backoff: 5s
capture:
  queue_size: 128
  system:
    disabled: true
  microphone:
    device: "USB Mic"
server:
  network: tcp
  address: 127.0.0.1:9000
  websocket_addr: 127.0.0.1:8765
  http_addr: 127.0.0.1:9464
  cloud_timeout: 30s
providers:
  cloud_llm:
    name: anthropic
    model: claude-sonnet-4
    api_key: sk-test
  cloud_fallbacks:
    - name: openai
      model: gpt-4o-mini
  stt:
    name: whisper
    base_url: http://localhost:8080
    options:
      language: en
  embeddings:
    name: ollama
    model: nomic-embed-text
knowledge_base:
  backend: s3
  index: pgvector
  postgres_dsn: postgres://localhost/devecho
  s3:
    bucket: team-notes
    endpoint: http://localhost:9000
    use_path_style: true
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transport.Reconnect.Backoff != 250*time.Millisecond || cfg.Transport.Reconnect.MaxRetries != 4 {
		t.Errorf("reconnect: got %+v", cfg.Transport.Reconnect)
	}
	if !cfg.Capture.System.Disabled || cfg.Capture.Microphone.Device != "USB Mic" {
		t.Errorf("capture: got %+v", cfg.Capture)
	}
	if cfg.Server.CloudTimeout != 30*time.Second {
		t.Errorf("cloud_timeout: got %s", cfg.Server.CloudTimeout)
	}
	if len(cfg.Providers.CloudFallbacks) != 1 || cfg.Providers.CloudFallbacks[0].Name != "openai" {
		t.Errorf("cloud_fallbacks: got %+v", cfg.Providers.CloudFallbacks)
	}
	if cfg.Providers.STT.Options["language"] != "en" {
		t.Errorf("stt options: got %v", cfg.Providers.STT.Options)
	}
	if cfg.KnowledgeBase.S3.Bucket != "team-notes" || !cfg.KnowledgeBase.S3.UsePathStyle {
		t.Errorf("s3: got %+v", cfg.KnowledgeBase.S3)
	}
	if cfg.KnowledgeBase.S3.Region != "us-west-2" {
		t.Errorf("s3 region default: got %q", cfg.KnowledgeBase.S3.Region)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_addr: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "bad log level",
			yaml:    "log_level: verbose\n",
			wantErr: []string{"log_level"},
		},
		{
			name:    "bad transport network",
			yaml:    "transport:\n  network: carrier-pigeon\n",
			wantErr: []string{"transport.network"},
		},
		{
			name:    "websocket needs ws url",
			yaml:    "transport:\n  network: websocket\n  address: http://localhost\n",
			wantErr: []string{"ws://"},
		},
		{
			name:    "tcp needs address",
			yaml:    "transport:\n  network: tcp\n",
			wantErr: []string{"transport.address"},
		},
		{
			name:    "both sources disabled",
			yaml:    "capture:\n  system:\n    disabled: true\n  microphone:\n    disabled: true\n",
			wantErr: []string{"at least one"},
		},
		{
			name:    "backoff above max",
			yaml:    "transport:\n  reconnect:\n    backoff: 10s\n    max_backoff: 1s\n",
			wantErr: []string{"max_backoff"},
		},
		{
			name:    "s3 without bucket",
			yaml:    "knowledge_base:\n  backend: s3\n",
			wantErr: []string{"bucket"},
		},
		{
			name:    "pgvector without dsn and embeddings",
			yaml:    "knowledge_base:\n  index: pgvector\n",
			wantErr: []string{"postgres_dsn", "providers.embeddings"},
		},
		{
			name:    "fallbacks without primary",
			yaml:    "providers:\n  cloud_fallbacks:\n    - name: openai\n",
			wantErr: []string{"requires providers.cloud_llm"},
		},
		{
			name:    "half s3 credentials",
			yaml:    "knowledge_base:\n  s3:\n    access_key_id: AKIA\n",
			wantErr: []string{"set together"},
		},
		{
			name:    "page size out of range",
			yaml:    "server:\n  page_size: 5000\n",
			wantErr: []string{"page_size"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()
	yaml := `
log_level: loud
server:
  network: udp
knowledge_base:
  backend: dropbox
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "server.network", "knowledge_base.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "devecho.yaml")
	if err := os.WriteFile(path, []byte("log_level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != config.LogWarn {
		t.Errorf("log_level: got %q", cfg.LogLevel)
	}

	_, err = config.Load(filepath.Join(dir, "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: open") {
		t.Errorf("missing file error: got %v", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Server.SocketMode != 0o600 {
		t.Errorf("socket_mode: got %o, want 600", cfg.Server.SocketMode)
	}
	if len(cfg.Providers.CloudFallbacks) != 1 {
		t.Errorf("cloud_fallbacks: got %d entries, want 1", len(cfg.Providers.CloudFallbacks))
	}
	if cfg.Server.CloudTimeout != time.Minute {
		t.Errorf("cloud_timeout: got %v", cfg.Server.CloudTimeout)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := tt.in.SlogLevel().String(); got != tt.want {
			t.Errorf("%q.SlogLevel() = %s, want %s", tt.in, got, tt.want)
		}
	}
}
