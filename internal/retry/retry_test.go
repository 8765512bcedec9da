package retry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

// fakeClock advances instantly so backoff waits don't slow tests down.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1755105000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type kindedError struct{ kind Kind }

func (e kindedError) Error() string   { return "kinded" }
func (e kindedError) RetryKind() Kind { return e.kind }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"econnrefused", syscall.ECONNREFUSED, KindNetwork},
		{"enoent", syscall.ENOENT, KindFilesystem},
		{"eacces", syscall.EACCES, KindFilesystem},
		{"enospc", syscall.ENOSPC, KindFilesystem},
		{"not exist", os.ErrNotExist, KindFilesystem},
		{"kinder", kindedError{kind: KindRateLimit}, KindRateLimit},
		{"wrapped kinder", fmt.Errorf("call: %w", kindedError{kind: KindValidation}), KindValidation},
		{"rate limit message", errors.New("server said: Too Many Requests"), KindRateLimit},
		{"timeout message", errors.New("request timed out"), KindTimeout},
		{"conn reset message", errors.New("read: connection reset by peer"), KindNetwork},
		{"malformed message", errors.New("malformed event"), KindValidation},
		{"server error message", errors.New("502 Bad Gateway"), KindRemoteAPI},
		{"garbage", errors.New("what even is this"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestValidationNeverRetryable(t *testing.T) {
	if KindValidation.Retryable() {
		t.Error("validation errors must not be retryable")
	}
	for _, k := range []Kind{KindNetwork, KindRemoteAPI, KindFilesystem, KindTimeout, KindRateLimit, KindUnknown} {
		if !k.Retryable() {
			t.Errorf("%v should be retryable", k)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 2.0)

	if got := b.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want 1s", got)
	}
	if got := b.Delay(2); got != 4*time.Second {
		t.Errorf("Delay(2) = %v, want 4s", got)
	}
	if got := b.Delay(10); got != 30*time.Second {
		t.Errorf("Delay(10) = %v, want capped 30s", got)
	}
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	b := NewBackoff(500*time.Millisecond, 30*time.Second, 2.0)
	for attempt := 0; attempt < 1000; attempt++ {
		if d := b.Delay(attempt); d > 30*time.Second {
			t.Fatalf("Delay(%d) = %v, exceeds max", attempt, d)
		}
	}
}

func TestRetryerSucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetryer(3, NewBackoff(time.Millisecond, time.Second, 2.0), nil, newFakeClock(), nil)

	calls := 0
	err := r.Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryerDoesNotRetryValidation(t *testing.T) {
	r := NewRetryer(3, NewBackoff(time.Millisecond, time.Second, 2.0), nil, newFakeClock(), nil)

	calls := 0
	err := r.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return kindedError{kind: KindValidation}
	})
	if err == nil {
		t.Fatal("Do() expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (validation must not be retried)", calls)
	}
}

func TestRetryerExhaustsAttempts(t *testing.T) {
	r := NewRetryer(3, NewBackoff(time.Millisecond, time.Second, 2.0), nil, newFakeClock(), nil)

	calls := 0
	err := r.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("Do() expected error after exhaustion")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestHandleBuffersExhaustedOperation(t *testing.T) {
	clk := newFakeClock()
	buf := NewBuffer(10, 3, time.Minute, nil, clk, nil)
	r := NewRetryer(2, NewBackoff(time.Millisecond, time.Second, 2.0), buf, clk, nil)

	err := r.Handle(context.Background(), "handler:4", Normal, func(context.Context) error {
		return errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("Handle() expected error")
	}
	if buf.Len() != 1 {
		t.Errorf("buffer len = %d, want 1", buf.Len())
	}
}

func TestHandleDoesNotBufferValidation(t *testing.T) {
	clk := newFakeClock()
	buf := NewBuffer(10, 3, time.Minute, nil, clk, nil)
	r := NewRetryer(2, NewBackoff(time.Millisecond, time.Second, 2.0), buf, clk, nil)

	_ = r.Handle(context.Background(), "handler:4", Normal, func(context.Context) error {
		return kindedError{kind: KindValidation}
	})
	if buf.Len() != 0 {
		t.Errorf("buffer len = %d, want 0", buf.Len())
	}
}

func TestBufferNeverExceedsCapacity(t *testing.T) {
	clk := newFakeClock()
	buf := NewBuffer(5, 3, time.Minute, nil, clk, nil)

	for i := 0; i < 50; i++ {
		buf.Enqueue(fmt.Sprintf("op-%d", i), Priority(i%3), nil, func(context.Context) error { return nil })
		if buf.Len() > 5 {
			t.Fatalf("buffer len = %d after %d enqueues, exceeds capacity 5", buf.Len(), i+1)
		}
	}
}

func TestBufferEvictsOldestLowPriorityFirst(t *testing.T) {
	clk := newFakeClock()
	buf := NewBuffer(2, 3, time.Minute, nil, clk, nil)

	buf.Enqueue("low-old", Low, nil, func(context.Context) error { return nil })
	clk.After(time.Second)
	buf.Enqueue("high", High, nil, func(context.Context) error { return nil })
	clk.After(time.Second)
	if ok := buf.Enqueue("normal", Normal, nil, func(context.Context) error { return nil }); !ok {
		t.Fatal("normal enqueue should evict the old low-priority op")
	}

	labels := map[string]bool{}
	for _, op := range buf.Snapshot() {
		labels[op.Label] = true
	}
	if labels["low-old"] {
		t.Error("low-old should have been evicted")
	}
	if !labels["high"] || !labels["normal"] {
		t.Errorf("buffer contents = %v, want high and normal", labels)
	}
}

func TestBufferDropsIncomingLowerPriority(t *testing.T) {
	clk := newFakeClock()
	buf := NewBuffer(1, 3, time.Minute, nil, clk, nil)

	buf.Enqueue("high", High, nil, func(context.Context) error { return nil })
	if ok := buf.Enqueue("low", Low, nil, func(context.Context) error { return nil }); ok {
		t.Error("low-priority op should not evict a high-priority one")
	}
	if got := buf.Snapshot()[0].Label; got != "high" {
		t.Errorf("kept op = %q, want high", got)
	}
}

func TestFlushReplaysInPriorityThenAgeOrder(t *testing.T) {
	clk := newFakeClock()
	buf := NewBuffer(10, 3, time.Minute, nil, clk, nil)

	var order []string
	record := func(label string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, label)
			return nil
		}
	}

	buf.Enqueue("normal-old", Normal, nil, record("normal-old"))
	clk.After(time.Second)
	buf.Enqueue("low", Low, nil, record("low"))
	clk.After(time.Second)
	buf.Enqueue("high", High, nil, record("high"))
	clk.After(time.Second)
	buf.Enqueue("normal-new", Normal, nil, record("normal-new"))

	buf.Flush(context.Background())

	want := []string{"high", "normal-old", "normal-new", "low"}
	if len(order) != len(want) {
		t.Fatalf("replayed %d ops, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if buf.Len() != 0 {
		t.Errorf("buffer len after flush = %d, want 0", buf.Len())
	}
}

func TestFlushDropsOpAfterMaxRetries(t *testing.T) {
	clk := newFakeClock()
	buf := NewBuffer(10, 2, time.Minute, nil, clk, nil)

	calls := 0
	buf.Enqueue("doomed", Normal, nil, func(context.Context) error {
		calls++
		return errors.New("still broken")
	})

	buf.Flush(context.Background())
	if buf.Len() != 1 {
		t.Fatalf("buffer len after first flush = %d, want 1", buf.Len())
	}
	buf.Flush(context.Background())
	if buf.Len() != 0 {
		t.Errorf("buffer len after second flush = %d, want 0 (budget exhausted)", buf.Len())
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
