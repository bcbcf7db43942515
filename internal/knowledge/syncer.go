package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/devecho/internal/observe"
	"github.com/MrWong99/devecho/pkg/kb"
)

// Status is the state of the retrieval index.
type Status string

const (
	StatusReady         Status = "READY"
	StatusSyncing       Status = "SYNCING"
	StatusFailed        Status = "FAILED"
	StatusNotConfigured Status = "NOT_CONFIGURED"
)

// ErrNotConfigured is returned by [Syncer.Trigger] when there is no store or
// no index to sync.
var ErrNotConfigured = errors.New("knowledge: sync not configured")

// InProgressError is returned by [Syncer.Trigger] while a job is running.
type InProgressError struct {
	JobID string
}

func (e *InProgressError) Error() string {
	return "a sync job is already in progress. Please wait for it to complete."
}

// State is a snapshot of the sync state.
type State struct {
	Status        Status
	DocumentCount int
	ChunkCount    int

	// LastSync is the finish time of the last successful job; zero if none.
	LastSync time.Time

	ErrorMessage string

	// JobID names the running job, or the last one.
	JobID string
}

// Syncer rebuilds an [Index] from a [kb.Store]. Only one job runs at a time.
type Syncer struct {
	store     kb.Store
	index     Index
	chunkSize int
	pageSize  int
	workers   int
	metrics   *observe.Metrics
	newJobID  func() string
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	state State
	rerun bool
}

// SyncerOption configures a [Syncer].
type SyncerOption func(*Syncer)

// WithChunkSize sets the chunk length in words.
func WithChunkSize(words int) SyncerOption {
	return func(s *Syncer) {
		if words > 0 {
			s.chunkSize = words
		}
	}
}

// WithPageSize sets how many documents are listed per store call.
func WithPageSize(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithWorkers bounds concurrent document fetches. Default 8.
func WithWorkers(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithMetrics records finished jobs on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SyncerOption {
	return func(s *Syncer) { s.metrics = m }
}

// WithJobIDs replaces the uuid job-id generator.
func WithJobIDs(fn func() string) SyncerOption {
	return func(s *Syncer) { s.newJobID = fn }
}

// NewSyncer returns a Syncer. A nil store or index yields a Syncer that
// reports [StatusNotConfigured].
func NewSyncer(store kb.Store, index Index, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		store:     store,
		index:     index,
		chunkSize: DefaultChunkSize,
		pageSize:  kb.DefaultPageSize,
		workers:   8,
		newJobID:  func() string { return uuid.NewString() },
		now:       time.Now,
		state:     State{Status: StatusReady},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if !s.configured() {
		s.state.Status = StatusNotConfigured
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Syncer) configured() bool { return s.store != nil && s.index != nil }

// State returns the current sync state.
func (s *Syncer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Trigger starts a sync job in the background and returns its id. While a job
// is running it returns an [*InProgressError] carrying that job's id.
func (s *Syncer) Trigger() (string, error) {
	return s.start(false)
}

// Refresh is Trigger for callers that just changed the store. While a job is
// running it queues one more job to start when the running one finishes, and
// returns the running job's id together with an [*InProgressError].
func (s *Syncer) Refresh() (string, error) {
	return s.start(true)
}

func (s *Syncer) start(queue bool) (string, error) {
	if !s.configured() {
		return "", ErrNotConfigured
	}
	s.mu.Lock()
	if s.state.Status == StatusSyncing {
		running := s.state.JobID
		if queue {
			s.rerun = true
		}
		s.mu.Unlock()
		return running, &InProgressError{JobID: running}
	}
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("knowledge: syncer closed: %w", s.ctx.Err())
	}
	jobID := s.begin()
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for id := jobID; id != ""; {
			id, _ = s.run(s.ctx, id)
		}
	}()
	return jobID, nil
}

// begin marks a new job as running. It must be called with s.mu held.
func (s *Syncer) begin() string {
	jobID := s.newJobID()
	s.state.Status = StatusSyncing
	s.state.JobID = jobID
	s.state.ErrorMessage = ""
	return jobID
}

// Sync runs a job synchronously. It returns an [*InProgressError] if a job is
// already running.
func (s *Syncer) Sync(ctx context.Context) error {
	if !s.configured() {
		return ErrNotConfigured
	}
	s.mu.Lock()
	if s.state.Status == StatusSyncing {
		running := s.state.JobID
		s.mu.Unlock()
		return &InProgressError{JobID: running}
	}
	jobID := s.begin()
	s.mu.Unlock()

	var err error
	for id := jobID; id != ""; {
		id, err = s.run(ctx, id)
	}
	return err
}

// Close cancels a running job and waits for it to finish.
func (s *Syncer) Close() {
	s.cancel()
	s.wg.Wait()
}

// run executes one job. When a refresh was queued meanwhile, the next job is
// marked as running under the same lock and its id returned.
func (s *Syncer) run(ctx context.Context, jobID string) (string, error) {
	log := slog.With("job_id", jobID)
	log.Info("knowledge: sync started")
	start := s.now()

	docs, chunks, err := s.build(ctx)
	if err == nil {
		err = s.index.Replace(ctx, chunks)
	}

	s.mu.Lock()
	if err != nil {
		s.state.Status = StatusFailed
		s.state.ErrorMessage = err.Error()
	} else {
		s.state.Status = StatusReady
		s.state.DocumentCount = docs
		s.state.ChunkCount = len(chunks)
		s.state.LastSync = s.now()
	}
	status := s.state.Status
	next := ""
	if s.rerun && ctx.Err() == nil {
		next = s.begin()
	}
	s.rerun = false
	s.mu.Unlock()

	s.metrics.RecordKBSync(context.WithoutCancel(ctx), string(status))
	if err != nil {
		log.Error("knowledge: sync failed", "err", err)
		return next, fmt.Errorf("knowledge: sync %s: %w", jobID, err)
	}
	log.Info("knowledge: sync finished", "documents", docs, "chunks", len(chunks), "elapsed", s.now().Sub(start))
	return next, nil
}

// build lists every document, fetches them concurrently and chunks them.
// Chunks come back in document-name order.
func (s *Syncer) build(ctx context.Context) (int, []kb.Chunk, error) {
	docs, err := kb.ListAll(ctx, s.store, s.pageSize)
	if err != nil {
		return 0, nil, err
	}

	perDoc := make([][]kb.Chunk, len(docs))
	found := make([]bool, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, d := range docs {
		g.Go(func() error {
			_, content, err := s.store.Get(gctx, d.Name)
			if errors.Is(err, kb.ErrNotFound) {
				// Removed between list and fetch.
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetch %q: %w", d.Name, err)
			}
			perDoc[i] = Split(d.Name, content, s.chunkSize)
			found[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	var (
		chunks []kb.Chunk
		count  int
	)
	for i, c := range perDoc {
		if found[i] {
			count++
		}
		chunks = append(chunks, c...)
	}
	return count, chunks, nil
}
