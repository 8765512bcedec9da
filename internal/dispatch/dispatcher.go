// Package dispatch routes raw long-poll updates to registered handlers
// by event type.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmarkelov/vkgrab/internal/retry"
	"github.com/dmarkelov/vkgrab/internal/wire"
	"go.uber.org/zap"
)

// HandlerFunc processes one raw update.
type HandlerFunc func(ctx context.Context, ev wire.RawEvent) error

// Handler pairs the processing function with a name used in logs and
// retry labels.
type Handler struct {
	Name string
	Fn   HandlerFunc
}

// Dispatcher fans raw updates out to the handlers registered for their
// event type. Each handler runs under its own timeout; a slow handler
// fails its own invocation without holding up the others.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[int][]Handler

	timeout time.Duration
	retryer *retry.Retryer
	logger  *zap.Logger
}

// New creates a dispatcher. timeout bounds each handler invocation.
func New(timeout time.Duration, retryer *retry.Retryer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[int][]Handler),
		timeout:  timeout,
		retryer:  retryer,
		logger:   logger,
	}
}

// Register adds a handler for an event type. Multiple handlers per type
// are allowed and run concurrently.
func (d *Dispatcher) Register(eventType int, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
}

// Dispatch runs every handler registered for the event's type and waits
// for all of them. Events with no handlers are dropped silently. Handler
// failures are routed through the retryer; the first failure is returned
// after all handlers finish.
func (d *Dispatcher) Dispatch(ctx context.Context, ev wire.RawEvent) error {
	typ, err := ev.Type()
	if err != nil {
		d.logger.Warn("update without a readable type", zap.Error(err))
		return err
	}

	d.mu.RLock()
	handlers := d.handlers[typ]
	d.mu.RUnlock()
	if len(handlers) == 0 {
		d.logger.Debug("no handler for event type", zap.Int("type", typ))
		return nil
	}

	errs := make(chan error, len(handlers))
	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			errs <- d.invoke(ctx, typ, h, ev)
		}(h)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, typ int, h Handler, ev wire.RawEvent) error {
	hctx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	label := fmt.Sprintf("handler:%d:%s", typ, h.Name)
	run := func(c context.Context) error { return h.Fn(c, ev) }

	var err error
	if d.retryer != nil {
		err = d.retryer.Handle(hctx, label, retry.Normal, run)
	} else {
		err = run(hctx)
	}
	if err != nil {
		d.logger.Error("handler failed",
			zap.String("handler", h.Name),
			zap.Int("type", typ),
			zap.Error(err))
	}
	return err
}
