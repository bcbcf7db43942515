// Package backend is the server side of the devecho protocol. It accepts
// client connections on a unix socket, TCP or WebSocket, feeds audio frames
// into speech-to-text and answers query and knowledge-base requests.
//
// Each connection has one read loop. Audio frames are handled inline so they
// stay in order; every request runs in its own goroutine so a slow LLM call
// never stalls the audio. Replies echo the request id and writes are
// serialised per connection.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/devecho/internal/observe"
	"github.com/MrWong99/devecho/pkg/audio"
	"github.com/MrWong99/devecho/pkg/ipc"
)

// AudioSink receives decoded audio frames. [*Transcriber] implements it.
type AudioSink interface {
	Feed(frame audio.Frame) error
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithServerMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// Server serves protocol connections.
type Server struct {
	handlers *Handlers
	sink     AudioSink
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	closed    bool

	shutdownOnce sync.Once
	shutdownReq  chan struct{}
}

// NewServer returns a Server. A nil sink drops audio frames.
func NewServer(h *Handlers, sink AudioSink, opts ...ServerOption) *Server {
	s := &Server{
		handlers:    h,
		sink:        sink,
		listeners:   make(map[net.Listener]struct{}),
		conns:       make(map[*conn]struct{}),
		shutdownReq: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ListenUnix listens on a unix socket at path. A stale socket file left by
// a previous run is removed first, and the new one is restricted to mode.
func ListenUnix(path string, mode os.FileMode) (net.Listener, error) {
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("backend: %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("backend: remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("backend: listen unix %s: %w", path, err)
	}
	if mode != 0 {
		if err := os.Chmod(path, mode); err != nil {
			ln.Close()
			return nil, fmt.Errorf("backend: chmod socket: %w", err)
		}
	}
	return ln, nil
}

// Serve accepts connections on ln until the server is closed. It returns nil
// after [Server.Close].
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	slog.Info("backend: listening", "network", ln.Addr().Network(), "addr", ln.Addr().String())
	var tempDelay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("backend: accept: %w", err)
		}
		tempDelay = 0
		go s.ServeConn(nc)
	}
}

// WebSocketHandler upgrades HTTP requests and serves the protocol on the
// resulting connection, one envelope per text message.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("backend: websocket accept failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		c.SetReadLimit(ipc.MaxLineBytes)
		s.ServeConn(websocket.NetConn(s.ctx, c, websocket.MessageText))
	})
}

// ServeConn runs the read loop for nc and returns when it ends.
func (s *Server) ServeConn(nc net.Conn) {
	c := s.track(nc)
	if c == nil {
		nc.Close()
		return
	}
	defer s.untrack(c)

	log := slog.With("remote", remoteName(nc))
	log.Info("backend: client connected")

	r := ipc.NewReader(nc)
	for {
		msg, id, err := r.Next()
		if err != nil {
			if errors.Is(err, ipc.ErrDecoding) {
				log.Warn("backend: dropping malformed message", "err", err)
				s.metrics.RecordDecodeError(c.ctx, "server")
				continue
			}
			if !errors.Is(err, io.EOF) && !s.isClosed() && c.ctx.Err() == nil {
				log.Warn("backend: connection read failed", "err", err)
			}
			log.Info("backend: client disconnected")
			return
		}
		s.metrics.RecordMessage(c.ctx, string(msg.Kind()), observe.DirectionIn)
		s.dispatch(c, msg, id)
	}
}

// dispatch routes one request. Only audio and control messages are handled
// on the read loop.
func (s *Server) dispatch(c *conn, msg ipc.Message, id uint64) {
	h := s.handlers
	switch m := msg.(type) {
	case *ipc.AudioData:
		s.feed(c, m)
	case *ipc.Ping:
		c.send(&ipc.Pong{}, id)
	case *ipc.Shutdown:
		c.send(&ipc.Ack{}, id)
		slog.Info("backend: shutdown requested by client")
		s.requestShutdown()
	case *ipc.LLMQuery:
		s.async(c, m, id, func(ctx context.Context) ipc.Message { return h.LocalQuery(ctx, m) })
	case *ipc.CloudLLMQuery:
		s.async(c, m, id, func(ctx context.Context) ipc.Message { return h.CloudQuery(ctx, m) })
	case *ipc.KBList:
		s.async(c, m, id, func(ctx context.Context) ipc.Message { return h.List(ctx, m) })
	case *ipc.KBAdd:
		s.async(c, m, id, func(ctx context.Context) ipc.Message { return h.Add(ctx, m) })
	case *ipc.KBUpdate:
		s.async(c, m, id, func(ctx context.Context) ipc.Message { return h.Update(ctx, m) })
	case *ipc.KBRemove:
		s.async(c, m, id, func(ctx context.Context) ipc.Message { return h.Remove(ctx, m) })
	case *ipc.KBSyncStatus:
		s.async(c, m, id, func(ctx context.Context) ipc.Message { return h.SyncStatus(ctx, m) })
	case *ipc.KBSyncTrigger:
		s.async(c, m, id, func(ctx context.Context) ipc.Message { return h.SyncTrigger(ctx, m) })
	default:
		slog.Warn("backend: ignoring message the server does not accept", "kind", msg.Kind())
		s.metrics.RecordDecodeError(c.ctx, "server")
	}
}

func (s *Server) feed(c *conn, m *ipc.AudioData) {
	if err := validatePayload(m); err != nil {
		slog.Warn("backend: dropping invalid audio frame", "err", err)
		s.metrics.RecordDecodeError(c.ctx, "server")
		return
	}
	frame, err := m.Frame()
	if err != nil {
		slog.Warn("backend: dropping undecodable audio frame", "err", err)
		s.metrics.RecordDecodeError(c.ctx, "server")
		return
	}
	s.metrics.RecordFrame(c.ctx, frame.Source.String())
	if s.sink == nil {
		return
	}
	if err := s.sink.Feed(frame); err != nil {
		slog.Debug("backend: audio frame not transcribed", "source", frame.Source, "err", err)
	}
}

// async validates req and runs fn in its own goroutine, replying with the
// result. A panic in fn is answered with the request's error kind.
func (s *Server) async(c *conn, req ipc.Message, id uint64, fn func(context.Context) ipc.Message) {
	if err := validatePayload(req); err != nil {
		slog.Warn("backend: rejecting invalid request", "kind", req.Kind(), "err", err)
		c.send(errorReply(req, err.Error()), id)
		return
	}

	// Close waits on wg after setting closed, so no handler may start once
	// closed is observed.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		kind := string(req.Kind())
		ctx, span := observe.StartSpan(c.ctx, "backend."+kind, trace.WithAttributes(attribute.Int64("request.id", int64(id))))
		defer span.End()
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				observe.Logger(ctx).Error("backend: panic in request handler", "kind", kind, "panic", r)
				c.send(errorReply(req, "internal error"), id)
			}
		}()

		reply := fn(ctx)
		s.metrics.RecordRequest(ctx, kind, time.Since(start).Seconds())
		c.send(reply, id)
	}()
}

// errorReply builds the error kind a client waits for on req.
func errorReply(req ipc.Message, msg string) ipc.Message {
	switch req.(type) {
	case *ipc.LLMQuery:
		return &ipc.LLMError{Message: msg, ErrorType: LocalErrorOther}
	case *ipc.CloudLLMQuery:
		return &ipc.CloudLLMError{Message: msg, ErrorType: ipc.CloudErrorOther, Suggestion: suggestQuick}
	default:
		return &ipc.KBError{Message: msg, ErrorType: ipc.KBErrorOther}
	}
}

// Broadcast queues msg for every connected client and returns without
// waiting for the writes. A client whose queue is full misses msg.
func (s *Server) Broadcast(msg ipc.Message) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.enqueue(msg)
	}
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ShutdownRequested is closed when a client sends shutdown.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownReq }

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownReq) })
}

// Close stops the listeners, disconnects every client, cancels in-flight
// requests and waits for their handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var errs []error
	for ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for c := range s.conns {
		c.nc.Close()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(nc net.Conn) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	c := &conn{
		nc:      nc,
		w:       ipc.NewWriter(nc),
		ctx:     ctx,
		cancel:  cancel,
		metrics: s.metrics,
		events:  make(chan ipc.Message, broadcastQueueSize),
	}
	s.conns[c] = struct{}{}
	s.metrics.ActiveConnections.Add(ctx, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeEvents()
	}()
	return c
}

func (s *Server) untrack(c *conn) {
	c.cancel()
	c.nc.Close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.metrics.ActiveConnections.Add(context.Background(), -1)
}

// broadcastQueueSize bounds the server-initiated messages waiting for one
// client.
const broadcastQueueSize = 64

// conn is one client connection.
type conn struct {
	nc      net.Conn
	w       *ipc.Writer
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *observe.Metrics

	// events holds broadcasts until writeEvents gets to them, so a client
	// that stops reading only stalls its own queue.
	events chan ipc.Message
}

// enqueue hands msg to the connection's event writer, dropping it when the
// queue is full.
func (c *conn) enqueue(msg ipc.Message) {
	select {
	case c.events <- msg:
	default:
		slog.Warn("backend: client not keeping up, broadcast dropped",
			"kind", msg.Kind(), "remote", remoteName(c.nc))
	}
}

// writeEvents drains the broadcast queue until the connection ends.
func (c *conn) writeEvents() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.events:
			c.send(msg, 0)
		}
	}
}

// send writes msg. Failures are logged; the read loop notices a dead
// connection on its own.
func (c *conn) send(msg ipc.Message, id uint64) {
	if err := c.w.Write(msg, id); err != nil {
		if c.ctx.Err() == nil {
			slog.Warn("backend: write failed", "kind", msg.Kind(), "err", err)
		}
		return
	}
	c.metrics.RecordMessage(c.ctx, string(msg.Kind()), observe.DirectionOut)
}

func remoteName(nc net.Conn) string {
	if a := nc.RemoteAddr(); a != nil && a.String() != "" {
		return a.String()
	}
	return "local"
}
