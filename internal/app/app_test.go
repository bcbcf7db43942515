package app_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/devecho/internal/app"
	"github.com/MrWong99/devecho/internal/config"
	"github.com/MrWong99/devecho/internal/observe"
	"github.com/MrWong99/devecho/internal/transport"
	"github.com/MrWong99/devecho/pkg/ipc"
	"github.com/MrWong99/devecho/pkg/kb/memstore"
	"github.com/MrWong99/devecho/pkg/provider/llm"
	llmmock "github.com/MrWong99/devecho/pkg/provider/llm/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// testConfig listens on ephemeral TCP ports so tests can run in parallel.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Network:  config.NetworkTCP,
			Address:  "127.0.0.1:0",
			HTTPAddr: "127.0.0.1:0",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		LocalLLM: &llmmock.Provider{ModelName: "llama3.2:3b", CompleteResponse: &llm.CompletionResponse{Content: "local answer"}},
		CloudLLM: &llmmock.Provider{ModelName: "claude", CompleteResponse: &llm.CompletionResponse{Content: "cloud answer"}},
	}
}

// startApp runs a and returns a connected client plus the channel Run's
// result arrives on.
func startApp(t *testing.T, a *app.App) (*transport.Client, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = a.Shutdown(context.Background())
	})

	deadline := time.Now().Add(2 * time.Second)
	for a.Addr("ipc") == nil {
		if time.Now().After(deadline) {
			t.Fatal("app did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ch := transport.New(transport.NetDialer{Network: "tcp", Address: a.Addr("ipc").String()},
		transport.WithMetrics(testMetrics(t)))
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = ch.Disconnect() })
	return transport.NewClient(ch), done
}

func TestApp_ServesQueries(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client, _ := startApp(t, a)
	ctx := context.Background()

	local, err := client.AskLocal(ctx, ipc.QueryTypeQuick, "hi", nil)
	if err != nil || local.Content != "local answer" || local.Model != "llama3.2:3b" {
		t.Errorf("AskLocal = %+v, %v", local, err)
	}
	cloud, err := client.AskCloud(ctx, "hi", nil, false)
	if err != nil || cloud.Content != "cloud answer" {
		t.Errorf("AskCloud = %+v, %v", cloud, err)
	}
}

func TestApp_KnowledgeBaseRoundTrip(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	a, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithStore(store), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client, _ := startApp(t, a)
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "devecho-app")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "runbook.md")
	if err := os.WriteFile(path, []byte("# Runbook\nrestart the worker\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if resp, err := client.AddDocument(ctx, path, ""); err != nil || !resp.Success {
		t.Fatalf("AddDocument = %+v, %v", resp, err)
	}
	docs, err := client.ListAllDocuments(ctx, 0)
	if err != nil || len(docs) != 1 || docs[0].Name != "runbook.md" {
		t.Fatalf("ListAllDocuments = %+v, %v", docs, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := client.SyncStatus(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Status == "READY" && st.DocumentCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sync status = %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := client.AskCloud(ctx, "how do I restart the worker?", nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.UsedRAG || len(resp.Sources) != 1 || resp.Sources[0] != "runbook.md" {
		t.Errorf("AskCloud = %+v", resp)
	}
}

func TestApp_ClientShutdownStopsRun(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client, done := startApp(t, a)

	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil after a client shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestApp_ContextCancelStopsRun(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestApp_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithMetrics(testMetrics(t)), app.WithGatherer(reg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)
	base := "http://" + a.Addr("http").String()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(base + path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d", resp.StatusCode)
			}
		})
	}
}

func TestApp_ApplyConfigChangesTimeouts(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	providers.CloudLLM = &llmmock.Provider{
		ModelName: "slow",
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	cfg := testConfig()
	a, err := app.New(context.Background(), cfg, providers, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client, _ := startApp(t, a)

	next := *cfg
	next.Server.CloudTimeout = 30 * time.Millisecond
	a.ApplyConfig(cfg, &next)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := client.Channel().Request(ctx, &ipc.CloudLLMQuery{Content: "hi"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	e, ok := reply.(*ipc.CloudLLMError)
	if !ok || e.ErrorType != ipc.CloudErrorTimeout {
		t.Errorf("reply = %#v, want timeout cloud_llm_error", reply)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{
			name: "pgvector without embeddings",
			mutate: func(c *config.Config) {
				c.KnowledgeBase.Index = config.IndexPGVector
				c.KnowledgeBase.PostgresDSN = "postgres://localhost/devecho"
			},
		},
		{
			name:   "s3 without bucket",
			mutate: func(c *config.Config) { c.KnowledgeBase.Backend = config.KBS3 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(cfg)
			if _, err := app.New(context.Background(), cfg, testProviders(), app.WithMetrics(testMetrics(t))); err == nil {
				t.Error("New succeeded")
			}
		})
	}
}
