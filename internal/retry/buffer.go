package retry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dmarkelov/vkgrab/internal/bus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Priority orders buffered operations for replay. High drains first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	default:
		return "low"
	}
}

// Op is a failed, retryable unit of work held for later replay.
type Op struct {
	ID         string
	Label      string
	EnqueuedAt time.Time
	Retries    int
	LastErr    string
	Priority   Priority

	fn func(context.Context) error
}

// Buffer is a bounded priority buffer of retryable operations. A periodic
// flush loop replays them in priority-then-age order. Overflow evicts the
// oldest lowest-priority entries first; an incoming op that would have to
// evict a higher-priority entry is dropped instead.
type Buffer struct {
	mu         sync.Mutex
	ops        []*Op
	capacity   int
	maxRetries int

	interval time.Duration
	clock    Clock
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBuffer creates a buffer with the given capacity and per-op replay budget.
func NewBuffer(capacity, maxRetries int, interval time.Duration, b *bus.Bus, clock Clock, logger *zap.Logger) *Buffer {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		capacity:   capacity,
		maxRetries: maxRetries,
		interval:   interval,
		clock:      clock,
		bus:        b,
		logger:     logger,
	}
}

// Enqueue adds an operation for later replay. Returns false if the op was
// dropped because the buffer is full of higher-priority work.
func (b *Buffer) Enqueue(label string, priority Priority, lastErr error, fn func(context.Context) error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ops) >= b.capacity {
		victim := b.evictionVictim()
		if victim < 0 || b.ops[victim].Priority > priority {
			b.logger.Warn("retry buffer full, dropping operation",
				zap.String("op", label), zap.String("priority", priority.String()))
			return false
		}
		evicted := b.ops[victim]
		b.ops = append(b.ops[:victim], b.ops[victim+1:]...)
		b.logger.Warn("retry buffer full, evicting oldest low-priority operation",
			zap.String("evicted", evicted.Label))
	}

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	op := &Op{
		ID:         uuid.NewString(),
		Label:      label,
		EnqueuedAt: b.clock.Now(),
		LastErr:    errMsg,
		Priority:   priority,
		fn:         fn,
	}
	b.ops = append(b.ops, op)
	if b.bus != nil {
		b.bus.Publish(bus.Event{Kind: bus.KindOpBuffered, Timestamp: b.clock.Now(), Payload: op.Label})
	}
	return true
}

// evictionVictim returns the index of the oldest entry in the lowest
// priority class present, or -1 if the buffer is empty.
func (b *Buffer) evictionVictim() int {
	victim := -1
	for i, op := range b.ops {
		if victim < 0 ||
			op.Priority < b.ops[victim].Priority ||
			(op.Priority == b.ops[victim].Priority && op.EnqueuedAt.Before(b.ops[victim].EnqueuedAt)) {
			victim = i
		}
	}
	return victim
}

// Len returns the number of buffered operations.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// Start begins the periodic flush loop.
func (b *Buffer) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.loop(ctx)
}

// Stop halts the flush loop and drains the buffer one final time,
// best-effort.
func (b *Buffer) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.Flush(drainCtx)
}

func (b *Buffer) loop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Flush replays buffered operations in priority-then-age order. Successful
// ops are removed; failed ops are kept until their replay budget runs out.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.ops) == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([]*Op, len(b.ops))
	copy(batch, b.ops)
	b.ops = b.ops[:0]
	b.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].EnqueuedAt.Before(batch[j].EnqueuedAt)
	})

	replayed := 0
	var requeue []*Op
	for _, op := range batch {
		if ctx.Err() != nil {
			requeue = append(requeue, op)
			continue
		}
		if err := op.fn(ctx); err != nil {
			op.Retries++
			op.LastErr = err.Error()
			if op.Retries >= b.maxRetries {
				b.logger.Error("buffered operation dropped after max retries",
					zap.String("op", op.Label), zap.Int("retries", op.Retries), zap.String("last_error", op.LastErr))
				continue
			}
			requeue = append(requeue, op)
			continue
		}
		replayed++
	}

	b.mu.Lock()
	// New enqueues during the flush keep their slots; requeued ops fill the
	// remaining capacity in order.
	for _, op := range requeue {
		if len(b.ops) >= b.capacity {
			break
		}
		b.ops = append(b.ops, op)
	}
	b.mu.Unlock()

	if replayed > 0 {
		b.logger.Info("retry buffer flushed", zap.Int("replayed", replayed), zap.Int("kept", len(requeue)))
		if b.bus != nil {
			b.bus.Publish(bus.Event{Kind: bus.KindBufferFlushed, Timestamp: b.clock.Now(), Payload: replayed})
		}
	}
}

// Snapshot returns a copy of the buffered ops for inspection (health checks).
func (b *Buffer) Snapshot() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Op, len(b.ops))
	for i, op := range b.ops {
		out[i] = *op
	}
	return out
}
