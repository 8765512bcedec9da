// Package users resolves numeric user ids to profile records through an
// in-memory cache backed by a persistent cache file. Remote lookups are
// batched and duplicate concurrent lookups are coalesced.
package users

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dmarkelov/vkgrab/internal/bus"
	"github.com/dmarkelov/vkgrab/internal/retry"
	"github.com/dmarkelov/vkgrab/internal/vk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// User is a resolved profile record.
type User struct {
	ID           int64  `json:"id"`
	DisplayName  string `json:"displayName"`
	LastActivity int64  `json:"lastActivity,omitempty"`
}

// CachedUser is a User plus cache bookkeeping.
type CachedUser struct {
	User
	CachedAt time.Time `json:"cachedAt"`
	TTL      Expiry    `json:"ttl"`
}

// Placeholder returns the degraded stand-in used when a remote lookup fails.
func Placeholder(id int64) User {
	return User{ID: id, DisplayName: fmt.Sprintf("User %d", id)}
}

// Fetcher is the remote profile lookup the resolver depends on.
type Fetcher interface {
	UsersGet(ctx context.Context, ids []int64) ([]vk.UserRecord, error)
}

// Options configures a Resolver.
type Options struct {
	BatchSize  int
	BatchDelay time.Duration
	MaxSize    int
	TTL        Expiry
	// FlushInterval drives the periodic persistence loop started by Start.
	FlushInterval time.Duration
	Path          string
}

// Resolver owns the user cache. Construct with NewResolver and share by
// reference; there are no package-level registries.
type Resolver struct {
	mu    sync.RWMutex
	cache map[int64]CachedUser
	dirty bool

	group   singleflight.Group
	fetcher Fetcher
	opts    Options
	clock   retry.Clock
	bus     *bus.Bus
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// defaultBatchSize caps remote lookup batches when the caller leaves
// Options.BatchSize unset.
const defaultBatchSize = 100

// NewResolver creates a resolver. clock may be nil for the wall clock.
func NewResolver(fetcher Fetcher, opts Options, b *bus.Bus, clock retry.Clock, logger *zap.Logger) *Resolver {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if clock == nil {
		clock = retry.RealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cache:   make(map[int64]CachedUser),
		fetcher: fetcher,
		opts:    opts,
		clock:   clock,
		bus:     b,
		logger:  logger,
	}
}

// Resolve returns the profile for id, from cache or via a coalesced remote
// lookup. Two concurrent calls for the same uncached id issue exactly one
// remote request.
func (r *Resolver) Resolve(ctx context.Context, id int64) (User, error) {
	if u, ok := r.cached(id); ok {
		return u, nil
	}

	v, err, _ := r.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		// Re-check: another flight may have populated the cache already.
		if u, ok := r.cached(id); ok {
			return u, nil
		}
		records, err := r.fetcher.UsersGet(ctx, []int64{id})
		if err != nil {
			return User{}, err
		}
		if len(records) == 0 {
			return User{}, fmt.Errorf("user %d not found", id)
		}
		u := fromRecord(records[0])
		r.put(u)
		return u, nil
	})
	if err != nil {
		return User{}, err
	}
	return v.(User), nil
}

// ResolveMany resolves a set of ids, batching uncached ones into fixed-size
// chunks with a small inter-batch delay. A failed batch degrades to
// placeholder users rather than failing the whole call.
func (r *Resolver) ResolveMany(ctx context.Context, ids []int64) map[int64]User {
	out := make(map[int64]User, len(ids))
	var missing []int64
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if u, ok := r.cached(id); ok {
			out[id] = u
		} else {
			missing = append(missing, id)
		}
	}

	for start := 0; start < len(missing); start += r.opts.BatchSize {
		end := start + r.opts.BatchSize
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]

		if start > 0 && r.opts.BatchDelay > 0 {
			select {
			case <-r.clock.After(r.opts.BatchDelay):
			case <-ctx.Done():
				for _, id := range missing[start:] {
					out[id] = Placeholder(id)
				}
				return out
			}
		}

		records, err := r.fetcher.UsersGet(ctx, chunk)
		if err != nil {
			r.logger.Warn("user batch lookup failed, degrading to placeholders",
				zap.Int("batch_size", len(chunk)), zap.Error(err))
			for _, id := range chunk {
				out[id] = Placeholder(id)
			}
			continue
		}

		resolved := make(map[int64]bool, len(records))
		for _, rec := range records {
			u := fromRecord(rec)
			r.put(u)
			out[rec.ID] = u
			resolved[rec.ID] = true
		}
		for _, id := range chunk {
			if !resolved[id] {
				out[id] = Placeholder(id)
			}
		}
	}
	return out
}

// Touch updates the cached last-activity timestamp for id, if cached.
// Presence updates are advisory and never fail the pipeline.
func (r *Resolver) Touch(id int64, lastActivity int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cu, ok := r.cache[id]
	if !ok {
		return
	}
	cu.LastActivity = lastActivity
	r.cache[id] = cu
	r.dirty = true
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) cached(id int64) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cu, ok := r.cache[id]
	if !ok || cu.TTL.Expired(cu.CachedAt, r.clock.Now()) {
		return User{}, false
	}
	return cu.User, true
}

func (r *Resolver) put(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.MaxSize > 0 && len(r.cache) >= r.opts.MaxSize {
		if _, exists := r.cache[u.ID]; !exists {
			r.evictOldestLocked()
		}
	}
	r.cache[u.ID] = CachedUser{User: u, CachedAt: r.clock.Now(), TTL: r.opts.TTL}
	r.dirty = true
	if r.bus != nil {
		r.bus.Publish(bus.Event{Kind: bus.KindUserResolved, Timestamp: r.clock.Now(), Payload: u.ID})
	}
}

// evictOldestLocked removes the least-recently-cached entry.
func (r *Resolver) evictOldestLocked() {
	var oldestID int64
	var oldestAt time.Time
	first := true
	for id, cu := range r.cache {
		if first || cu.CachedAt.Before(oldestAt) {
			oldestID, oldestAt = id, cu.CachedAt
			first = false
		}
	}
	if !first {
		delete(r.cache, oldestID)
	}
}

func fromRecord(rec vk.UserRecord) User {
	u := User{ID: rec.ID, DisplayName: rec.DisplayName()}
	if rec.LastSeen != nil {
		u.LastActivity = rec.LastSeen.Time
	}
	return u
}

// Load reads the persistent cache file, skipping expired entries. A missing
// file is a cold start, not an error.
func (r *Resolver) Load() error {
	data, err := os.ReadFile(r.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read user cache: %w", err)
	}

	var stored map[string]CachedUser
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("decode user cache: %w", err)
	}

	now := r.clock.Now()
	loaded := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, cu := range stored {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || cu.TTL.Expired(cu.CachedAt, now) {
			continue
		}
		cu.ID = id
		r.cache[id] = cu
		loaded++
	}
	r.logger.Info("user cache loaded", zap.Int("entries", loaded), zap.Int("skipped", len(stored)-loaded))
	return nil
}

// Save writes the cache to its persistent file.
func (r *Resolver) Save() error {
	r.mu.Lock()
	stored := make(map[string]CachedUser, len(r.cache))
	for id, cu := range r.cache {
		stored[strconv.FormatInt(id, 10)] = cu
	}
	r.dirty = false
	r.mu.Unlock()

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.opts.Path), 0700); err != nil {
		return err
	}
	tmp := r.opts.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write user cache: %w", err)
	}
	return os.Rename(tmp, r.opts.Path)
}

// Start begins the periodic cache persistence loop.
func (r *Resolver) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop halts the loop and flushes once more.
func (r *Resolver) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	if err := r.Save(); err != nil {
		r.logger.Warn("final user cache save failed", zap.Error(err))
	}
}

func (r *Resolver) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mu.RLock()
			dirty := r.dirty
			r.mu.RUnlock()
			if !dirty {
				continue
			}
			if err := r.Save(); err != nil {
				r.logger.Warn("user cache save failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
