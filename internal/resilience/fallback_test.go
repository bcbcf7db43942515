package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		failing map[int]bool
		want    string
		wantErr bool
	}{
		{name: "primary answers", failing: map[int]bool{}, want: "from-10"},
		{name: "fallback answers", failing: map[int]bool{10: true}, want: "from-20"},
		{name: "all fail", failing: map[int]bool{10: true, 20: true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := NewFallbackGroup(10, "ten", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})
			fg.AddFallback("twenty", 20)

			got, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v int) (string, error) {
				if tt.failing[v] {
					return "", errTest
				}
				if v == 10 {
					return "from-10", nil
				}
				return "from-20", nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenProvider(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	ctx := context.Background()

	for range 2 {
		_ = fg.Execute(ctx, func(_ context.Context, v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if st := fg.States(); st["primary"] != StateOpen || st["secondary"] != StateClosed {
		t.Fatalf("states = %v", st)
	}

	var called []string
	err := fg.Execute(ctx, func(_ context.Context, v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want only secondary", called)
	}
}

func TestFallbackGroup_AllOpenReportsCircuitOpen(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("only", "only", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	ctx := context.Background()
	_ = fg.Execute(ctx, func(context.Context, string) error { return errTest })

	err := fg.Execute(ctx, func(context.Context, string) error { return nil })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping ErrCircuitOpen", err)
	}
}

func TestFallbackGroup_StopsWhenContextDone(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	var calls []string
	err := fg.Execute(ctx, func(ctx context.Context, v string) error {
		calls = append(calls, v)
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded in the chain", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v, want only the primary", calls)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(1, "a", FallbackConfig{})
	fg.AddFallback("b", 2)
	if got := fg.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names() = %v", got)
	}
	if fg.Primary() != 1 {
		t.Errorf("Primary() = %d", fg.Primary())
	}
}
