// Package collector drives the long-poll loop: session acquisition,
// polling, reconnects, gap recovery, and forwarding updates to the
// dispatcher.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmarkelov/vkgrab/internal/bus"
	"github.com/dmarkelov/vkgrab/internal/retry"
	"github.com/dmarkelov/vkgrab/internal/status"
	"github.com/dmarkelov/vkgrab/internal/vk"
	"github.com/dmarkelov/vkgrab/internal/wire"
	"go.uber.org/zap"
)

// Poller is the slice of the platform client the collector needs.
type Poller interface {
	GetLongPollServer(ctx context.Context) (*vk.LongPollServer, error)
	Poll(ctx context.Context, server, key string, ts int64, wait, mode int) (*vk.PollResponse, error)
	GetLongPollHistory(ctx context.Context, ts, pts int64) (*vk.History, error)
}

// Sink receives decoded raw updates, one at a time, in arrival order.
type Sink interface {
	Dispatch(ctx context.Context, ev wire.RawEvent) error
}

// Options configures the collector.
type Options struct {
	WaitSeconds          int
	Mode                 int
	MaxReconnectAttempts int
	HealthCheckInterval  time.Duration
	// StaleAfterChecks health intervals without any poll activity force
	// a reconnect.
	StaleAfterChecks int
	StatePath        string
	Backoff          retry.Backoff
	// Reauth refreshes rejected credentials. When set, an auth-failed
	// connect refreshes and retries immediately instead of backing off.
	Reauth func(ctx context.Context) error
}

// errReacquire asks the run loop to get a fresh session without counting
// a reconnect attempt.
var errReacquire = errors.New("long poll session expired")

// ErrBadVersion is the unrecoverable long-poll protocol mismatch.
var ErrBadVersion = errors.New("long poll version rejected by server")

// Collector owns the polling goroutine and the connection lifecycle.
type Collector struct {
	opts    Options
	client  Poller
	sink    Sink
	machine *status.Machine
	bus     *bus.Bus
	clock   retry.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	session *vk.LongPollServer
	ts      int64
	pts     int64
	keepTs  bool

	reconnecting atomic.Bool
	polledOK     atomic.Bool
	lastActivity atomic.Int64
	forceMu      sync.Mutex
	forcePoll    context.CancelFunc

	fatal  chan error
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a collector. clock may be nil for the wall clock.
func New(opts Options, client Poller, sink Sink, machine *status.Machine, b *bus.Bus, clock retry.Clock, logger *zap.Logger) *Collector {
	if clock == nil {
		clock = retry.RealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		opts:    opts,
		client:  client,
		sink:    sink,
		machine: machine,
		bus:     b,
		clock:   clock,
		logger:  logger,
		fatal:   make(chan error, 1),
	}
}

// Fatal delivers the terminal error when reconnect attempts are exhausted
// or the protocol version is rejected.
func (c *Collector) Fatal() <-chan error { return c.fatal }

// Reconnecting reports whether a reconnect is in progress.
func (c *Collector) Reconnecting() bool { return c.reconnecting.Load() }

// State returns the current poll position.
func (c *Collector) State() (ts, pts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts, c.pts
}

// Start launches the poll loop. Returns an error only when the collector
// is already running.
func (c *Collector) Start(ctx context.Context) error {
	if c.done != nil {
		select {
		case <-c.done:
		default:
			return errors.New("collector already running")
		}
	}
	c.loadState()
	c.lastActivity.Store(c.clock.Now().UnixNano())

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
	if c.opts.HealthCheckInterval > 0 {
		go c.watchdog(ctx)
	}
	return nil
}

// Stop cancels the in-flight poll and waits for the loop to exit. After
// Stop returns no further updates reach the sink.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.saveState()
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if c.machine.Current() != status.Stopped {
			if err := c.machine.Transition(status.Stopped); err != nil {
				c.logger.Warn("stop transition failed", zap.Error(err))
			}
		}
	}()

	attempts := 0
	for ctx.Err() == nil {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			if attempts > c.opts.MaxReconnectAttempts {
				c.fail(fmt.Errorf("reconnect attempts exhausted: %w", err))
				return
			}
			if vk.IsAuthError(err) && c.opts.Reauth != nil {
				if rerr := c.opts.Reauth(ctx); rerr != nil {
					c.logger.Warn("credential refresh failed", zap.Error(rerr))
				} else {
					c.logger.Info("credentials refreshed, reconnecting")
					c.toReconnecting()
					continue
				}
			}
			delay := c.opts.Backoff.Delay(attempts - 1)
			c.logger.Warn("connect failed",
				zap.Int("attempt", attempts),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			c.toReconnecting()
			if !c.sleep(ctx, delay) {
				return
			}
			continue
		}

		err := c.pollLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		if c.polledOK.Swap(false) {
			attempts = 0
		}
		c.toReconnecting()
		switch {
		case errors.Is(err, ErrBadVersion):
			c.fail(err)
			return
		case errors.Is(err, errReacquire):
			// Session expired normally, reconnect immediately.
		case err != nil:
			attempts++
			if attempts > c.opts.MaxReconnectAttempts {
				c.fail(fmt.Errorf("reconnect attempts exhausted: %w", err))
				return
			}
			delay := c.opts.Backoff.Delay(attempts - 1)
			c.logger.Warn("poll failed",
				zap.Int("attempt", attempts),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if !c.sleep(ctx, delay) {
				return
			}
		}
	}
}

// connect acquires a long-poll session and moves the machine through
// Connecting to Connected. A pts jump since the last known position
// triggers best-effort history replay before polling resumes.
func (c *Collector) connect(ctx context.Context) error {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	if cur := c.machine.Current(); cur != status.Connecting {
		if err := c.machine.Transition(status.Connecting); err != nil {
			return err
		}
	}

	srv, err := c.client.GetLongPollServer(ctx)
	if err != nil {
		return fmt.Errorf("acquire long poll server: %w", err)
	}

	c.mu.Lock()
	prevTs, prevPts, keepTs := c.ts, c.pts, c.keepTs
	c.mu.Unlock()

	if prevPts != 0 && srv.Pts != prevPts {
		c.recoverGap(ctx, prevTs, prevPts)
	}

	c.mu.Lock()
	c.session = srv
	if keepTs && prevTs != 0 {
		c.ts = prevTs
	} else {
		c.ts = srv.Ts
	}
	c.keepTs = false
	c.pts = srv.Pts
	c.mu.Unlock()
	c.saveState()

	if err := c.machine.Transition(status.Connected); err != nil {
		return err
	}
	c.logger.Info("long poll session acquired",
		zap.String("server", srv.Server),
		zap.Int64("ts", srv.Ts),
		zap.Int64("pts", srv.Pts))
	return nil
}

// pollLoop runs checks until the context ends, the session expires, or a
// poll fails. The returned error classifies why polling stopped.
func (c *Collector) pollLoop(ctx context.Context) error {
	if err := c.machine.Transition(status.Polling); err != nil {
		return err
	}

	for ctx.Err() == nil {
		c.mu.Lock()
		srv, ts := c.session, c.ts
		c.mu.Unlock()

		pollCtx, cancel := context.WithCancel(ctx)
		c.setForcePoll(cancel)
		resp, err := c.client.Poll(pollCtx, srv.Server, srv.Key, ts, c.opts.WaitSeconds, c.opts.Mode)
		c.setForcePoll(nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pollCtx.Err() != nil {
				// Watchdog killed a stale poll.
				return fmt.Errorf("poll aborted as stale: %w", err)
			}
			return err
		}
		c.lastActivity.Store(c.clock.Now().UnixNano())
		c.polledOK.Store(true)

		switch resp.Failed {
		case vk.PollOK:
		case vk.PollEventsLost:
			c.logger.Warn("event history outdated, resuming at server ts", zap.Int64("ts", resp.Ts))
			c.advanceTs(resp.Ts)
			continue
		case vk.PollKeyExpired:
			c.setKeepTs(true)
			return errReacquire
		case vk.PollInfoLost:
			c.setKeepTs(false)
			return errReacquire
		case vk.PollBadVersion:
			return ErrBadVersion
		default:
			c.logger.Warn("unknown poll failure code", zap.Int("failed", resp.Failed))
			return errReacquire
		}

		for _, raw := range resp.Updates {
			var ev wire.RawEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				c.logger.Warn("undecodable update skipped", zap.Error(err))
				continue
			}
			if c.bus != nil {
				c.bus.Publish(bus.Event{Kind: bus.KindEventReceived, Timestamp: c.clock.Now(), Payload: ev})
			}
			if err := c.sink.Dispatch(ctx, ev); err != nil {
				c.logger.Warn("dispatch failed", zap.Error(err))
			}
		}
		c.advanceTs(resp.Ts)
		c.saveState()
	}
	return ctx.Err()
}

// recoverGap replays events missed while disconnected. Failures only log:
// the poll loop resumes either way.
func (c *Collector) recoverGap(ctx context.Context, ts, pts int64) {
	history, err := c.client.GetLongPollHistory(ctx, ts, pts)
	if err != nil {
		c.logger.Warn("gap recovery failed", zap.Error(err))
		return
	}
	replayed := 0
	for _, msg := range history.Messages.Items {
		ev := wire.RawEvent{
			float64(wire.TypeNewMessage),
			float64(msg.ID),
			float64(0),
			float64(msg.PeerID),
			float64(msg.Date),
			msg.Text,
			map[string]any{"from": fmt.Sprintf("%d", msg.FromID)},
		}
		if err := c.sink.Dispatch(ctx, ev); err != nil {
			c.logger.Warn("gap replay dispatch failed", zap.Int64("msg_id", msg.ID), zap.Error(err))
			continue
		}
		replayed++
	}
	if history.NewPts != 0 {
		c.mu.Lock()
		c.pts = history.NewPts
		c.mu.Unlock()
	}
	c.logger.Info("gap recovered",
		zap.Int("replayed", replayed),
		zap.Int64("new_pts", history.NewPts))
	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:      bus.KindGapRecovered,
			Timestamp: c.clock.Now(),
			Payload:   replayed,
		})
	}
}

// watchdog forces a reconnect when polling produced no activity for the
// configured number of health intervals.
func (c *Collector) watchdog(ctx context.Context) {
	interval := c.opts.HealthCheckInterval
	limit := time.Duration(c.opts.StaleAfterChecks) * interval
	if limit <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.reconnecting.Load() {
				continue
			}
			last := time.Unix(0, c.lastActivity.Load())
			if c.clock.Now().Sub(last) > limit {
				c.logger.Warn("connection stale, forcing reconnect",
					zap.Time("last_activity", last))
				c.abortPoll()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) abortPoll() {
	c.forceMu.Lock()
	defer c.forceMu.Unlock()
	if c.forcePoll != nil {
		c.forcePoll()
	}
}

func (c *Collector) setForcePoll(cancel context.CancelFunc) {
	c.forceMu.Lock()
	c.forcePoll = cancel
	c.forceMu.Unlock()
}

func (c *Collector) advanceTs(ts int64) {
	c.mu.Lock()
	if ts > c.ts {
		c.ts = ts
	}
	c.mu.Unlock()
}

func (c *Collector) setKeepTs(keep bool) {
	c.mu.Lock()
	c.keepTs = keep
	c.mu.Unlock()
}

func (c *Collector) toReconnecting() {
	cur := c.machine.Current()
	if cur == status.Reconnecting || cur == status.Stopped {
		return
	}
	if err := c.machine.Transition(status.Reconnecting); err != nil {
		c.logger.Warn("reconnecting transition failed", zap.Error(err))
	}
}

func (c *Collector) fail(err error) {
	c.logger.Error("collector stopped", zap.Error(err))
	select {
	case c.fatal <- err:
	default:
	}
}

// sleep waits for d or context cancellation. Reports whether the wait
// completed.
func (c *Collector) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-c.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
