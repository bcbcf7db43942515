package capture

import "sync"

// Lifecycle tracks the [State] of a source. Backends embed it to get
// consistent transitions; the zero value is an uninitialized source.
//
// All methods are safe for concurrent use.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// BeginStart moves the source into [StatePermissionPending]. A stopped source
// is reset first. It returns false if the source is already capturing, in
// which case the caller should treat Start as a no-op.
func (l *Lifecycle) BeginStart() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateCapturing {
		return false
	}
	l.state = StatePermissionPending
	return true
}

// Capturing marks a successful start.
func (l *Lifecycle) Capturing() {
	l.mu.Lock()
	l.state = StateCapturing
	l.mu.Unlock()
}

// Abort returns a source whose start failed to [StateUninitialized].
func (l *Lifecycle) Abort() {
	l.mu.Lock()
	l.state = StateUninitialized
	l.mu.Unlock()
}

// Stop moves the source to [StateStopped] and reports whether it was
// capturing. Stopping an uninitialized source leaves it uninitialized.
func (l *Lifecycle) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	was := l.state == StateCapturing
	if l.state != StateUninitialized {
		l.state = StateStopped
	}
	return was
}
