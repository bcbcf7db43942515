// Package transport carries devecho protocol traffic between the client and
// the backend over one persistent byte stream.
//
// A [Channel] owns the connection. Exactly one reader goroutine per
// connection drains it: replies are matched to outstanding requests by
// (kind, id), while unsolicited messages (transcriptions) are handed to the
// stream handler. Any number of goroutines may write concurrently; envelopes
// never interleave.
//
// Requests have no built-in timeout. Callers bound them with their context.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/devecho/internal/observe"
	"github.com/MrWong99/devecho/pkg/audio"
	"github.com/MrWong99/devecho/pkg/ipc"
)

// ErrNotConnected is returned by send operations while the channel has no
// connection.
var ErrNotConnected = errors.New("transport: not connected")

// ErrConnectionClosed rejects every request still waiting when the
// connection ends.
var ErrConnectionClosed = errors.New("transport: connection closed")

// Option is a functional option for [New].
type Option func(*Channel)

// WithStreamHandler sets the callback that receives unsolicited messages. It
// runs on the reader goroutine, so it must not block for long.
func WithStreamHandler(fn func(ipc.Message)) Option {
	return func(c *Channel) { c.onStream = fn }
}

// WithDisconnectHandler sets a callback invoked when the connection ends
// without a call to [Channel.Disconnect]. err is the read error (io.EOF for a
// clean remote close).
func WithDisconnectHandler(fn func(err error)) Option {
	return func(c *Channel) { c.onDisconnect = fn }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// session is the state of one live connection.
type session struct {
	conn    net.Conn
	w       *ipc.Writer
	pending *pendingTable
	done    chan struct{}

	// closing is set by Disconnect before the conn is closed, so the reader
	// can tell a local close from a remote one.
	closing atomic.Bool
}

// Channel is a reconnectable, concurrency-safe protocol connection.
type Channel struct {
	dialer       Dialer
	onStream     func(ipc.Message)
	onDisconnect func(error)
	metrics      *observe.Metrics

	nextID atomic.Uint64

	// dialMu serializes Connect. mu is never held across a dial, so sends
	// fail fast with ErrNotConnected while one is in flight.
	dialMu sync.Mutex

	mu   sync.Mutex
	sess *session
}

// New creates a disconnected Channel that dials with d.
func New(d Dialer, opts ...Option) *Channel {
	c := &Channel{dialer: d}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Connect dials the backend and starts the reader. It is a no-op when already
// connected.
func (c *Channel) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if c.session() != nil {
		return nil
	}
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("transport: connect: %w", err)
	}
	s := &session{
		conn:    conn,
		w:       ipc.NewWriter(conn),
		pending: newPendingTable(),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.sess = s
	c.mu.Unlock()
	go c.readLoop(s)
	slog.Debug("transport connected", "remote", conn.RemoteAddr())
	return nil
}

// Disconnect closes the connection, waits for the reader to exit and rejects
// every outstanding request with [ErrConnectionClosed]. It is a no-op when
// not connected.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	s.closing.Store(true)
	err := s.conn.Close()
	<-s.done
	s.pending.failAll(ErrConnectionClosed)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("transport: disconnect: %w", err)
	}
	return nil
}

// Connected reports whether a connection is live.
func (c *Channel) Connected() bool {
	return c.session() != nil
}

func (c *Channel) session() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Send writes a fire-and-forget message.
func (c *Channel) Send(msg ipc.Message) error {
	s := c.session()
	if s == nil {
		return ErrNotConnected
	}
	if err := s.w.Write(msg, 0); err != nil {
		return fmt.Errorf("transport: send %s: %w", msg.Kind(), err)
	}
	c.metrics.RecordMessage(context.Background(), string(msg.Kind()), observe.DirectionOut)
	return nil
}

// SendAudio forwards one captured frame as an audio_data message.
func (c *Channel) SendAudio(frame audio.Frame) error {
	return c.Send(ipc.NewAudioData(frame))
}

// Request writes req and blocks until the matching reply arrives, the
// connection ends or ctx is done. An error-kind reply (llm_error,
// cloud_llm_error, kb_error) is returned as the error; use errors.As to
// inspect its payload.
func (c *Channel) Request(ctx context.Context, req ipc.Message) (ipc.Message, error) {
	kind := req.Kind()
	pair, ok := ipc.Pairing(kind)
	if !ok {
		return nil, fmt.Errorf("transport: request: %s has no reply kind", kind)
	}
	s := c.session()
	if s == nil {
		return nil, ErrNotConnected
	}

	w := newWaiter(c.nextID.Add(1), kind, pair)
	if err := s.pending.add(w); err != nil {
		return nil, err
	}
	start := time.Now()
	if err := s.w.Write(req, w.id); err != nil {
		s.pending.take(w.id)
		return nil, fmt.Errorf("transport: request %s: %w", kind, err)
	}
	c.metrics.RecordMessage(ctx, string(kind), observe.DirectionOut)

	select {
	case r := <-w.ch:
		c.metrics.RecordRequest(ctx, string(kind), time.Since(start).Seconds())
		if r.err != nil {
			return nil, r.err
		}
		if e, ok := r.msg.(error); ok {
			return nil, e
		}
		return r.msg, nil
	case <-ctx.Done():
		s.pending.take(w.id)
		return nil, ctx.Err()
	}
}

func (c *Channel) readLoop(s *session) {
	defer close(s.done)
	r := ipc.NewReader(s.conn)
	for {
		msg, id, err := r.Next()
		if err != nil {
			if errors.Is(err, ipc.ErrDecoding) {
				c.dropMalformed(s, id, err)
				continue
			}
			c.connectionLost(s, err)
			return
		}
		c.metrics.RecordMessage(context.Background(), string(msg.Kind()), observe.DirectionIn)
		c.dispatch(s, msg, id)
	}
}

func (c *Channel) dropMalformed(s *session, id uint64, err error) {
	slog.Warn("transport: dropping malformed message", "id", id, "err", err)
	c.metrics.RecordDecodeError(context.Background(), "client")
	if id == 0 {
		return
	}
	if w := s.pending.take(id); w != nil {
		w.reject(err)
	}
}

func (c *Channel) connectionLost(s *session, err error) {
	n := s.pending.failAll(ErrConnectionClosed)
	if s.closing.Load() {
		return
	}

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	_ = s.conn.Close()

	slog.Warn("transport: connection lost", "err", err, "rejected_requests", n)
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

func (c *Channel) dispatch(s *session, msg ipc.Message, id uint64) {
	kind := msg.Kind()
	if id != 0 {
		if w := s.pending.take(id); w != nil {
			if !w.pair.Matches(kind) {
				expected := []ipc.Kind{w.pair.Response}
				if w.pair.Error != "" {
					expected = append(expected, w.pair.Error)
				}
				w.reject(&ipc.UnexpectedKindError{Kind: kind, Expected: expected})
				return
			}
			w.resolve(msg)
			return
		}
	} else if ipc.IsReply(kind) {
		if w := s.pending.takeOldest(kind); w != nil {
			w.resolve(msg)
			return
		}
	}

	switch msg.(type) {
	case *ipc.Transcription, *ipc.TranscriptionError:
		if c.onStream != nil {
			c.onStream(msg)
		}
	default:
		slog.Debug("transport: dropping unmatched message", "kind", kind, "id", id)
	}
}
