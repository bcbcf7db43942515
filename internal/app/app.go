// Package app wires the devecho backend subsystems into a running process.
//
// The App struct owns the full lifecycle: New builds the document store,
// retrieval index, sync job, transcriber, query handlers and IPC server; Run
// serves the listeners until the context ends or a client asks for shutdown;
// Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithStore, WithIndex,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/devecho/internal/backend"
	"github.com/MrWong99/devecho/internal/config"
	"github.com/MrWong99/devecho/internal/health"
	"github.com/MrWong99/devecho/internal/knowledge"
	"github.com/MrWong99/devecho/internal/observe"
	"github.com/MrWong99/devecho/internal/resilience"
	"github.com/MrWong99/devecho/pkg/audio"
	"github.com/MrWong99/devecho/pkg/ipc"
	"github.com/MrWong99/devecho/pkg/kb"
	"github.com/MrWong99/devecho/pkg/kb/memstore"
	"github.com/MrWong99/devecho/pkg/kb/postgres"
	"github.com/MrWong99/devecho/pkg/kb/s3store"
	"github.com/MrWong99/devecho/pkg/provider/embeddings"
	"github.com/MrWong99/devecho/pkg/provider/llm"
	"github.com/MrWong99/devecho/pkg/provider/stt"
)

// NamedLLM is a cloud fallback together with the name its breaker reports.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LocalLLM       llm.Provider
	CloudLLM       llm.Provider
	CloudFallbacks []NamedLLM
	STT            stt.Provider
	Embeddings     embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store       kb.Store
	index       knowledge.Index
	syncer      *knowledge.Syncer
	handlers    *backend.Handlers
	transcriber *backend.Transcriber
	server      *backend.Server
	health      *health.Handler
	metrics     *observe.Metrics
	gatherer    prometheus.Gatherer
	checkers    []health.Checker

	mu    sync.Mutex
	addrs map[string]net.Addr

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a document store instead of creating one from config.
func WithStore(s kb.Store) Option {
	return func(a *App) { a.store = s }
}

// WithIndex injects a retrieval index instead of creating one from config.
func WithIndex(i knowledge.Index) Option {
	return func(a *App) { a.index = i }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets what /metrics exposes. Default: the Prometheus default
// gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already have
// defaults applied and be valid.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		addrs:     make(map[string]net.Addr),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Knowledge base ────────────────────────────────────────────────
	if err := a.initKnowledge(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init knowledge base: %w", err)
	}

	// ── 2. Query handlers ────────────────────────────────────────────────
	a.initHandlers()

	// ── 3. Transcriber + server ──────────────────────────────────────────
	var sink backend.AudioSink = discardAudio{}
	if providers.STT != nil {
		a.transcriber = backend.NewTranscriber(providers.STT, a.broadcast,
			backend.WithTranscriberMetrics(a.metrics))
		sink = a.transcriber
	} else {
		slog.Warn("no stt provider configured, audio frames are dropped")
	}
	a.server = backend.NewServer(a.handlers, sink, backend.WithServerMetrics(a.metrics))

	// Stop accepting first, then flush transcription sessions.
	if a.transcriber != nil {
		a.closers = append(a.closers, a.transcriber.Close)
	}
	a.closers = append(a.closers, a.server.Close)

	a.health = health.New(a.checkers...)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initKnowledge builds the store, index, classifier and sync job.
func (a *App) initKnowledge(ctx context.Context) error {
	kbc := a.cfg.KnowledgeBase

	var pg *postgres.Store
	needPG := (a.store == nil && kbc.Backend == config.KBPostgres) ||
		(a.index == nil && kbc.Index == config.IndexPGVector)
	if needPG {
		dims := 0
		if kbc.Index == config.IndexPGVector {
			if a.providers.Embeddings == nil {
				return errors.New("the pgvector index requires an embeddings provider")
			}
			dims = a.providers.Embeddings.Dimensions()
		}
		store, err := postgres.NewStore(ctx, kbc.PostgresDSN, dims)
		if err != nil {
			return err
		}
		pg = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		a.addChecker("postgres", store.Ping)
	}

	if a.store == nil {
		switch kbc.Backend {
		case config.KBS3:
			s, err := s3store.New(s3store.Config{
				Bucket:          kbc.S3.Bucket,
				Prefix:          kbc.S3.Prefix,
				Region:          kbc.S3.Region,
				Endpoint:        kbc.S3.Endpoint,
				AccessKeyID:     kbc.S3.AccessKeyID,
				SecretAccessKey: kbc.S3.SecretAccessKey,
				UsePathStyle:    kbc.S3.UsePathStyle,
			})
			if err != nil {
				return err
			}
			a.store = s
			a.addChecker("s3", s.Ping)
		case config.KBPostgres:
			a.store = pg
		default:
			a.store = memstore.New()
		}
	}

	if a.index == nil {
		switch kbc.Index {
		case config.IndexPGVector:
			a.index = knowledge.NewVectorIndex(pg.Chunks(), a.providers.Embeddings)
		default:
			a.index = knowledge.NewKeywordIndex()
		}
	}

	a.syncer = knowledge.NewSyncer(a.store, a.index,
		knowledge.WithChunkSize(kbc.ChunkSize),
		knowledge.WithPageSize(a.cfg.Server.PageSize),
		knowledge.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func() error {
		a.syncer.Close()
		return nil
	})
	slog.Info("knowledge base ready", "backend", kbc.Backend, "index", kbc.Index)
	return nil
}

// initHandlers builds the query handlers. The cloud model is wrapped in a
// fallback group even without fallbacks so a failing backend trips its
// breaker.
func (a *App) initHandlers() {
	srv := a.cfg.Server
	h := &backend.Handlers{
		LocalLLM:       a.providers.LocalLLM,
		Store:          a.store,
		Index:          a.index,
		Syncer:         a.syncer,
		Classifier:     knowledge.NewClassifier(),
		SystemPrompt:   srv.SystemPrompt,
		QuickMaxTokens: srv.QuickMaxTokens,
		PageSize:       srv.PageSize,
		Metrics:        a.metrics,
	}
	if cloud := a.providers.CloudLLM; cloud != nil {
		primary := a.cfg.Providers.CloudLLM.Name
		if primary == "" {
			primary = cloud.Model()
		}
		fb := resilience.NewLLMFallback(cloud, primary, resilience.FallbackConfig{})
		for _, f := range a.providers.CloudFallbacks {
			fb.AddFallback(f.Name, f.Provider)
		}
		h.CloudLLM = fb
	}
	h.SetTimeouts(srv.LocalTimeout, srv.CloudTimeout)
	h.SetTopK(a.cfg.KnowledgeBase.TopK)
	a.handlers = h
}

func (a *App) addChecker(name string, check func(context.Context) error) {
	a.checkers = append(a.checkers, health.Checker{Name: name, Check: check})
}

func (a *App) broadcast(msg ipc.Message) { a.server.Broadcast(msg) }

type discardAudio struct{}

func (discardAudio) Feed(audio.Frame) error { return nil }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the configured listeners and serves until ctx is cancelled or a
// client sends shutdown. A client-requested shutdown returns nil; a
// cancelled ctx returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	srvCfg := a.cfg.Server

	ln, err := a.listen(srvCfg)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.setAddr("ipc", ln.Addr())

	var httpServers []*http.Server
	serveHTTP := func(name, addr string, h http.Handler) error {
		hl, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s on %s: %w", name, addr, err)
		}
		a.setAddr(name, hl.Addr())
		hs := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
		httpServers = append(httpServers, hs)
		go func() {
			if err := hs.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server stopped", "name", name, "err", err)
			}
		}()
		return nil
	}
	if srvCfg.HTTPAddr != "" {
		if err := serveHTTP("http", srvCfg.HTTPAddr, a.httpHandler()); err != nil {
			ln.Close()
			return err
		}
	}
	if srvCfg.WebSocketAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", a.server.WebSocketHandler())
		if err := serveHTTP("websocket", srvCfg.WebSocketAddr, mux); err != nil {
			ln.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Serve(ln) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.server.ShutdownRequested():
			slog.Info("shutdown requested by client")
		}
		a.health.SetStarted(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, hs := range httpServers {
			_ = hs.Shutdown(shutdownCtx)
		}
		return a.server.Close()
	})

	// Populate the index from whatever the store already holds.
	if _, err := a.syncer.Trigger(); err != nil && !errors.Is(err, knowledge.ErrNotConfigured) {
		slog.Warn("initial knowledge sync not started", "err", err)
	}

	a.health.SetStarted(true)
	slog.Info("backend listening", "network", srvCfg.Network, "address", ln.Addr().String())

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (a *App) listen(srv config.ServerConfig) (net.Listener, error) {
	if srv.Network == config.NetworkUnix {
		return backend.ListenUnix(srv.Address, srv.SocketMode)
	}
	return net.Listen("tcp", srv.Address)
}

// httpHandler serves /metrics, /healthz and /readyz.
func (a *App) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observe.MetricsHandler(a.gatherer))
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) setAddr(name string, addr net.Addr) {
	a.mu.Lock()
	a.addrs[name] = addr
	a.mu.Unlock()
}

// Addr returns the bound address of the named listener ("ipc", "http" or
// "websocket"), or nil if it is not listening.
func (a *App) Addr(name string) net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addrs[name]
}

// ApplyConfig hot-applies the reloadable parts of a changed configuration.
// It is the callback handed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.TimeoutsChanged {
		a.handlers.SetTimeouts(d.LocalTimeout, d.CloudTimeout)
		slog.Info("query timeouts changed", "local", d.LocalTimeout, "cloud", d.CloudTimeout)
	}
	if d.TopKChanged {
		a.handlers.SetTopK(d.NewTopK)
		slog.Info("retrieval top_k changed", "top_k", d.NewTopK)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.health.SetStarted(false)

		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New built before it failed.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
