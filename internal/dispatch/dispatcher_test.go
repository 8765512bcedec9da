package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmarkelov/vkgrab/internal/retry"
	"github.com/dmarkelov/vkgrab/internal/wire"
)

func rawEvent(typ int, rest ...any) wire.RawEvent {
	return append(wire.RawEvent{float64(typ)}, rest...)
}

func TestDispatchRoutesByType(t *testing.T) {
	d := New(time.Second, nil, nil)
	var gotFour, gotEight int32
	d.Register(4, Handler{Name: "messages", Fn: func(context.Context, wire.RawEvent) error {
		atomic.AddInt32(&gotFour, 1)
		return nil
	}})
	d.Register(8, Handler{Name: "online", Fn: func(context.Context, wire.RawEvent) error {
		atomic.AddInt32(&gotEight, 1)
		return nil
	}})

	if err := d.Dispatch(context.Background(), rawEvent(4)); err != nil {
		t.Fatal(err)
	}
	if gotFour != 1 || gotEight != 0 {
		t.Errorf("routed to wrong handlers: four=%d eight=%d", gotFour, gotEight)
	}
}

func TestDispatchUnknownTypeDropped(t *testing.T) {
	d := New(time.Second, nil, nil)
	if err := d.Dispatch(context.Background(), rawEvent(114)); err != nil {
		t.Errorf("unknown type must be dropped silently, got %v", err)
	}
}

func TestDispatchFanOut(t *testing.T) {
	d := New(time.Second, nil, nil)
	var calls int32
	for i := 0; i < 3; i++ {
		d.Register(4, Handler{Name: "h", Fn: func(context.Context, wire.RawEvent) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}})
	}
	if err := d.Dispatch(context.Background(), rawEvent(4)); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("expected 3 handler calls, got %d", calls)
	}
}

func TestDispatchHandlerTimeout(t *testing.T) {
	d := New(20*time.Millisecond, nil, nil)
	var fastDone int32
	d.Register(4, Handler{Name: "slow", Fn: func(ctx context.Context, _ wire.RawEvent) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	d.Register(4, Handler{Name: "fast", Fn: func(context.Context, wire.RawEvent) error {
		atomic.AddInt32(&fastDone, 1)
		return nil
	}})

	err := d.Dispatch(context.Background(), rawEvent(4))
	if err == nil {
		t.Fatal("expected timeout error from slow handler")
	}
	if fastDone != 1 {
		t.Error("fast handler must complete despite slow sibling")
	}
}

func TestDispatchFailureBuffered(t *testing.T) {
	buffer := retry.NewBuffer(10, 3, time.Hour, nil, nil, nil)
	backoff := retry.NewBackoff(time.Millisecond, time.Millisecond, 1)
	retryer := retry.NewRetryer(1, backoff, buffer, nil, nil)
	d := New(time.Second, retryer, nil)

	d.Register(4, Handler{Name: "failing", Fn: func(context.Context, wire.RawEvent) error {
		return errors.New("connection refused")
	}})

	if err := d.Dispatch(context.Background(), rawEvent(4)); err == nil {
		t.Fatal("expected handler failure to surface")
	}
	if buffer.Len() != 1 {
		t.Errorf("expected failed handler call buffered, got %d", buffer.Len())
	}
}

func TestDispatchMalformedEvent(t *testing.T) {
	d := New(time.Second, nil, nil)
	if err := d.Dispatch(context.Background(), wire.RawEvent{"not-a-type"}); err == nil {
		t.Error("expected error for unreadable event type")
	}
}
