package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Connector is the part of [Channel] the reconnector drives.
type Connector interface {
	Connect(ctx context.Context) error
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// MaxRetries is the number of attempts per disconnect before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up to
	// MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection. May be nil.
	OnReconnect func()
}

// Reconnector redials a channel after an unexpected disconnect, with
// exponential backoff. Wire [Reconnector.NotifyDisconnect] to
// [WithDisconnectHandler].
//
// All methods are safe for concurrent use.
type Reconnector struct {
	conn        Connector
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func()

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
}

// NewReconnector creates a Reconnector for conn.
func NewReconnector(conn Connector, cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		conn:         conn,
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.Backoff,
		maxBackoff:   cfg.MaxBackoff,
		onReconnect:  cfg.OnReconnect,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	return r
}

// Monitor starts the background loop that reacts to disconnect
// notifications. It returns immediately.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals that the connection was lost. Notifications that
// arrive while one is already queued are coalesced.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

func (r *Reconnector) attemptReconnect(ctx context.Context) {
	wait := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		err := r.conn.Connect(ctx)
		if err == nil {
			slog.Info("transport: reconnected", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}
		slog.Warn("transport: reconnect attempt failed",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", wait,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(wait):
		}

		wait = min(wait*2, r.maxBackoff)
	}

	slog.Error("transport: reconnect gave up", "max_retries", r.maxRetries)
}
