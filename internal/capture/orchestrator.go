// Package capture coordinates the client's audio sources: it resolves
// permissions, starts and stops each tap independently, and forwards every
// captured frame, converted to the recogniser's sample rate, to the backend.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/devecho/internal/observe"
	"github.com/MrWong99/devecho/pkg/audio"
	audiocapture "github.com/MrWong99/devecho/pkg/audio/capture"
)

// Defaults for [New].
const (
	DefaultTargetRate = 16000
	DefaultQueueSize  = 64
)

// FrameSender receives converted frames. transport.Channel implements it.
type FrameSender interface {
	SendAudio(frame audio.Frame) error
}

// SourceStatus is the state of one source.
type SourceStatus struct {
	Active    bool
	Permitted bool
}

// Status is a consistent snapshot of both sources.
type Status struct {
	System     SourceStatus
	Microphone SourceStatus
}

// Source returns the status of src.
func (s Status) Source(src audio.Source) SourceStatus {
	if src == audio.SourceMicrophone {
		return s.Microphone
	}
	return s.System
}

func (s *Status) ref(src audio.Source) *SourceStatus {
	if src == audio.SourceMicrophone {
		return &s.Microphone
	}
	return &s.System
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithTargetRate sets the rate frames are converted to before sending.
func WithTargetRate(hz int) Option {
	return func(o *Orchestrator) { o.targetRate = hz }
}

// WithQueueSize bounds the number of frames waiting to be forwarded. When the
// queue is full, new frames are dropped.
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) { o.queueSize = n }
}

// WithSourceObserver registers a callback for active/inactive transitions.
func WithSourceObserver(fn func(src audio.Source, active bool)) Option {
	return func(o *Orchestrator) { o.onSource = fn }
}

// WithPermissionObserver registers a callback that receives the outcome of
// every permission check made by Start and Toggle.
func WithPermissionObserver(fn func(src audio.Source, permitted bool)) Option {
	return func(o *Orchestrator) { o.onPermission = fn }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator owns the capture sources and the frame forwarding path.
//
// Start, Stop and Toggle are serialised; Status may be called from any
// goroutine. Observers are invoked outside internal locks.
type Orchestrator struct {
	sources map[audio.Source]audiocapture.Source
	order   []audio.Source
	sender  FrameSender

	targetRate   int
	queueSize    int
	onSource     func(audio.Source, bool)
	onPermission func(audio.Source, bool)
	metrics      *observe.Metrics

	ctrl sync.Mutex // serialises Start/Stop/Toggle

	mu     sync.RWMutex
	status Status

	queue   chan audio.Frame
	stopFwd chan struct{}
	fwdDone chan struct{}
}

// New creates an Orchestrator over sources. A later source of the same kind
// replaces an earlier one.
func New(sender FrameSender, sources []audiocapture.Source, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sources:    make(map[audio.Source]audiocapture.Source, len(sources)),
		sender:     sender,
		targetRate: DefaultTargetRate,
		queueSize:  DefaultQueueSize,
	}
	for _, s := range sources {
		if _, dup := o.sources[s.Kind()]; !dup {
			o.order = append(o.order, s.Kind())
		}
		o.sources[s.Kind()] = s
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}
	o.queue = make(chan audio.Frame, o.queueSize)
	return o
}

// Start brings up every source it can. It fails only when no source started;
// the returned error then joins each source's failure, so
// errors.Is(err, audiocapture.ErrPermissionDenied) holds when every source
// was denied.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctrl.Lock()
	defer o.ctrl.Unlock()

	o.startForwarder()

	var (
		errs    []error
		started int
	)
	for _, kind := range o.order {
		if o.Status().Source(kind).Active {
			started++
			continue
		}
		if err := o.startSource(ctx, kind); err != nil {
			slog.Warn("capture: source did not start", "source", kind, "err", err)
			errs = append(errs, err)
			continue
		}
		started++
	}

	if started == 0 {
		o.stopForwarder()
		if len(errs) == 0 {
			return errors.New("capture: start: no sources configured")
		}
		return fmt.Errorf("capture: start: %w", errors.Join(errs...))
	}
	return nil
}

// Stop halts every active source and the forwarder. It is idempotent and
// always succeeds; source errors are logged.
func (o *Orchestrator) Stop() error {
	o.ctrl.Lock()
	defer o.ctrl.Unlock()

	for _, kind := range o.order {
		if !o.Status().Source(kind).Active {
			continue
		}
		o.stopSource(kind)
	}
	o.stopForwarder()
	return nil
}

// Toggle enables or disables one source without touching the other. It
// returns whether the source is active afterwards, which is false when
// enabling failed (for example because permission is missing).
func (o *Orchestrator) Toggle(ctx context.Context, kind audio.Source, enabled bool) bool {
	o.ctrl.Lock()
	defer o.ctrl.Unlock()

	if _, ok := o.sources[kind]; !ok {
		return false
	}
	active := o.Status().Source(kind).Active
	switch {
	case enabled && !active:
		o.startForwarder()
		if err := o.startSource(ctx, kind); err != nil {
			slog.Warn("capture: toggle on failed", "source", kind, "err", err)
			return false
		}
		return true
	case !enabled && active:
		o.stopSource(kind)
		return false
	default:
		return active
	}
}

// Status returns a snapshot of both sources.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Orchestrator) startSource(ctx context.Context, kind audio.Source) error {
	src := o.sources[kind]

	permitted := src.CheckPermission()
	if !permitted {
		granted, err := src.RequestPermission(ctx)
		if err != nil {
			o.setPermitted(kind, false)
			return fmt.Errorf("capture: %s: request permission: %w", kind, err)
		}
		permitted = granted
	}
	o.setPermitted(kind, permitted)
	if !permitted {
		return fmt.Errorf("capture: %s: %w", kind, audiocapture.ErrPermissionDenied)
	}

	err := src.Start(ctx, audiocapture.Callbacks{
		OnFrame:   o.enqueue,
		OnFailure: func(err error) { o.sourceFailed(kind, err) },
	})
	if err != nil {
		return fmt.Errorf("capture: %s: start: %w", kind, err)
	}
	o.setActive(kind, true)
	slog.Info("capture: source started", "source", kind)
	return nil
}

func (o *Orchestrator) stopSource(kind audio.Source) {
	if err := o.sources[kind].Stop(); err != nil {
		slog.Warn("capture: stop failed", "source", kind, "err", err)
	}
	o.setActive(kind, false)
	slog.Info("capture: source stopped", "source", kind)
}

func (o *Orchestrator) sourceFailed(kind audio.Source, err error) {
	slog.Error("capture: source failed", "source", kind, "err", err)
	o.setActive(kind, false)
}

func (o *Orchestrator) setActive(kind audio.Source, active bool) {
	o.mu.Lock()
	st := o.status.ref(kind)
	changed := st.Active != active
	st.Active = active
	o.mu.Unlock()

	if !changed {
		return
	}
	if active {
		o.metrics.ActiveSources.Add(context.Background(), 1)
	} else {
		o.metrics.ActiveSources.Add(context.Background(), -1)
	}
	if o.onSource != nil {
		o.onSource(kind, active)
	}
}

func (o *Orchestrator) setPermitted(kind audio.Source, permitted bool) {
	o.mu.Lock()
	o.status.ref(kind).Permitted = permitted
	o.mu.Unlock()

	if o.onPermission != nil {
		o.onPermission(kind, permitted)
	}
}

// ─── Frame path ──────────────────────────────────────────────────────────────

// enqueue runs on the source's capture goroutine and never blocks.
func (o *Orchestrator) enqueue(frame audio.Frame) {
	if frame.Empty() {
		return
	}
	select {
	case o.queue <- frame:
		o.metrics.RecordFrame(context.Background(), frame.Source.String())
	default:
		o.metrics.RecordDroppedFrame(context.Background(), frame.Source.String())
	}
}

// startForwarder must be called with ctrl held.
func (o *Orchestrator) startForwarder() {
	if o.stopFwd != nil {
		return
	}
	o.stopFwd = make(chan struct{})
	o.fwdDone = make(chan struct{})
	go o.forward(o.stopFwd, o.fwdDone)
}

// stopForwarder must be called with ctrl held. Frames still queued are
// discarded.
func (o *Orchestrator) stopForwarder() {
	if o.stopFwd == nil {
		return
	}
	close(o.stopFwd)
	<-o.fwdDone
	o.stopFwd, o.fwdDone = nil, nil
	for {
		select {
		case <-o.queue:
		default:
			return
		}
	}
}

func (o *Orchestrator) forward(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	conv := &audio.SampleRateConverter{TargetRate: o.targetRate}
	failing := false
	for {
		select {
		case <-stop:
			return
		case frame := <-o.queue:
			err := o.sender.SendAudio(conv.Convert(frame))
			switch {
			case err != nil && !failing:
				failing = true
				slog.Warn("capture: forwarding audio failed; suppressing until it recovers", "source", frame.Source, "err", err)
			case err != nil:
				slog.Debug("capture: forwarding audio failed", "source", frame.Source, "err", err)
			case failing:
				failing = false
				slog.Info("capture: forwarding audio recovered")
			}
		}
	}
}
