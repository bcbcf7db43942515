package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/devecho/internal/observe"
	"github.com/MrWong99/devecho/pkg/kb"
	"github.com/MrWong99/devecho/pkg/kb/memstore"
	kbmock "github.com/MrWong99/devecho/pkg/kb/mock"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func syncCount(t *testing.T, reader *sdkmetric.ManualReader, status Status) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "devecho.kb.syncs" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("devecho.kb.syncs data = %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("status"); ok && v.AsString() == string(status) {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func waitForStatus(t *testing.T, s *Syncer, want Status) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := s.State(); st.Status == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status = %s, want %s", s.State().Status, want)
	return State{}
}

func TestSyncer_SyncBuildsIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	for i := range 25 {
		body := fmt.Sprintf("# Doc %d\n\nthe deploy pipeline step %d", i, i)
		if _, err := store.Add(ctx, fmt.Sprintf("doc-%02d.md", i), []byte(body)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	metrics, reader := newTestMetrics(t)
	index := NewKeywordIndex()
	s := NewSyncer(store, index, WithPageSize(10), WithMetrics(metrics), WithJobIDs(func() string { return "job-1" }))
	t.Cleanup(s.Close)

	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	st := s.State()
	if st.Status != StatusReady || st.DocumentCount != 25 || st.JobID != "job-1" {
		t.Errorf("state = %+v", st)
	}
	if st.LastSync.IsZero() {
		t.Error("LastSync not set")
	}
	if index.Len() != 25 {
		t.Errorf("index has %d chunks, want 25", index.Len())
	}
	hits, _ := index.Search(ctx, "pipeline step 7", 1)
	if len(hits) != 1 || hits[0].Document != "doc-07.md" {
		t.Errorf("search = %+v", hits)
	}
	if got := syncCount(t, reader, StatusReady); got != 1 {
		t.Errorf("ready syncs = %d, want 1", got)
	}
}

func TestSyncer_TriggerWhileRunning(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	store := &kbmock.Store{
		ListFunc: func(string, int) (kb.Page, error) {
			<-release
			return kb.Page{Documents: []kb.Document{}}, nil
		},
	}
	metrics, _ := newTestMetrics(t)
	ids := []string{"first", "second"}
	s := NewSyncer(store, NewKeywordIndex(), WithMetrics(metrics), WithJobIDs(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))
	t.Cleanup(s.Close)

	id, err := s.Trigger()
	if err != nil || id != "first" {
		t.Fatalf("Trigger = %q, %v", id, err)
	}
	if st := s.State(); st.Status != StatusSyncing {
		t.Errorf("status = %s, want SYNCING", st.Status)
	}

	again, err := s.Trigger()
	var inProgress *InProgressError
	if !errors.As(err, &inProgress) {
		t.Fatalf("second Trigger err = %v, want InProgressError", err)
	}
	if again != "first" || inProgress.JobID != "first" {
		t.Errorf("second Trigger reported job %q/%q, want first", again, inProgress.JobID)
	}

	close(release)
	waitForStatus(t, s, StatusReady)

	if id, err := s.Trigger(); err != nil || id != "second" {
		t.Errorf("Trigger after finish = %q, %v", id, err)
	}
}

func TestSyncer_RefreshQueuesOneMoreJob(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var lists atomic.Int32
	store := &kbmock.Store{
		ListFunc: func(string, int) (kb.Page, error) {
			if lists.Add(1) == 1 {
				<-release
				return kb.Page{Documents: []kb.Document{}}, nil
			}
			return kb.Page{Documents: []kb.Document{{Name: "late.md"}}}, nil
		},
		GetContent: []byte("added while the first job ran"),
	}
	metrics, _ := newTestMetrics(t)
	ids := []string{"first", "second"}
	s := NewSyncer(store, NewKeywordIndex(), WithMetrics(metrics), WithJobIDs(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))
	t.Cleanup(s.Close)

	if _, err := s.Trigger(); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		running, err := s.Refresh()
		var inProgress *InProgressError
		if !errors.As(err, &inProgress) || running != "first" {
			t.Fatalf("Refresh = %q, %v", running, err)
		}
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		st := s.State()
		if st.Status == StatusReady && st.JobID == "second" {
			if st.DocumentCount != 1 {
				t.Errorf("documents = %d, want 1", st.DocumentCount)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %+v, want second job finished", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := lists.Load(); n != 2 {
		t.Errorf("list calls = %d, want 2", n)
	}
}

func TestSyncer_Failure(t *testing.T) {
	t.Parallel()
	boom := errors.New("bucket gone")
	metrics, reader := newTestMetrics(t)
	s := NewSyncer(&kbmock.Store{ListErr: boom}, NewKeywordIndex(), WithMetrics(metrics))
	t.Cleanup(s.Close)

	err := s.Sync(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Sync err = %v, want %v", err, boom)
	}
	st := s.State()
	if st.Status != StatusFailed || st.ErrorMessage != boom.Error() {
		t.Errorf("state = %+v", st)
	}
	if !st.LastSync.IsZero() {
		t.Error("LastSync set by a failed job")
	}
	if got := syncCount(t, reader, StatusFailed); got != 1 {
		t.Errorf("failed syncs = %d, want 1", got)
	}
}

func TestSyncer_NotConfigured(t *testing.T) {
	t.Parallel()
	s := NewSyncer(nil, nil)
	t.Cleanup(s.Close)

	if st := s.State(); st.Status != StatusNotConfigured {
		t.Errorf("status = %s, want NOT_CONFIGURED", st.Status)
	}
	if _, err := s.Trigger(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Trigger err = %v, want ErrNotConfigured", err)
	}
}

func TestSyncer_SkipsDocumentRemovedDuringSync(t *testing.T) {
	t.Parallel()
	store := &kbmock.Store{
		ListResult: kb.Page{Documents: []kb.Document{{Name: "gone.md"}}},
		GetErr:     &kb.NotFoundError{Name: "gone.md"},
	}
	metrics, _ := newTestMetrics(t)
	s := NewSyncer(store, NewKeywordIndex(), WithMetrics(metrics))
	t.Cleanup(s.Close)

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if st := s.State(); st.DocumentCount != 0 {
		t.Errorf("DocumentCount = %d, want 0", st.DocumentCount)
	}
}
