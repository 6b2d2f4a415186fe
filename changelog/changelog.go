// Package changelog buffers user mutations in memory and writes them behind
// to durable storage in coalesced batches.
//
// All writes go through Update (last write wins per field) and Increment
// (numeric deltas). Reads through Get always see durable state plus every
// pending entry, merged in arrival order. Get waits while a flush persists
// the user; Snapshot returns the same view without waiting.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatbot/telemetry"
	"github.com/onnwee/chatbot/users"
)

const (
	DefaultLockTimeout      = 10 * time.Second
	DefaultFlushConcurrency = 8
)

type kind uint8

const (
	kindSet kind = iota
	kindIncrement
)

type entry struct {
	userID string
	kind   kind
	patch  users.Patch
}

// Changelog is the write-behind buffer. The zero value is not usable; call New.
type Changelog struct {
	store       users.Store
	lockTimeout time.Duration
	concurrency int
	now         func() time.Time
	log         *slog.Logger

	mu      sync.Mutex
	entries []entry
	// locks holds one channel per user currently being persisted; it is
	// closed on release so every waiter wakes at once.
	locks map[string]chan struct{}
	// gens is bumped whenever a flush takes or releases a user's entries,
	// letting readers detect that their durable read straddles a flush.
	gens map[string]uint64
	// inflight holds the entries a running flush took, per user, until the
	// flush releases the user.
	inflight map[string][]entry
	// staged is the merged record a running flush is about to save. Once
	// set, the store may already hold it.
	staged map[string]*users.Record

	flushSem chan struct{}
}

// Option configures a Changelog.
type Option func(*Changelog)

// WithLockTimeout bounds how long Get waits for a user lock.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Changelog) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

// WithFlushConcurrency bounds concurrent saves within one flush.
func WithFlushConcurrency(n int) Option {
	return func(c *Changelog) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithClock overrides the clock used to stamp newly created records.
func WithClock(now func() time.Time) Option {
	return func(c *Changelog) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a Changelog persisting through store.
func New(store users.Store, opts ...Option) *Changelog {
	c := &Changelog{
		store:       store,
		lockTimeout: DefaultLockTimeout,
		concurrency: DefaultFlushConcurrency,
		now:         time.Now,
		log:         slog.Default().With(slog.String("component", "changelog")),
		locks:       make(map[string]chan struct{}),
		gens:        make(map[string]uint64),
		inflight:    make(map[string][]entry),
		staged:      make(map[string]*users.Record),
		flushSem:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Update queues a set-kind patch for userID.
func (c *Changelog) Update(userID string, patch users.Patch) {
	c.append(userID, kindSet, patch)
}

// Increment queues an increment-kind patch for userID. Only numeric fields
// and numeric Extra leaves take part in the merge.
func (c *Changelog) Increment(userID string, patch users.Patch) {
	c.append(userID, kindIncrement, patch)
}

func (c *Changelog) append(userID string, k kind, patch users.Patch) {
	if userID == "" {
		c.log.Warn("dropping changelog entry without user id")
		return
	}
	e := entry{userID: userID, kind: k, patch: patch.Clone()}
	c.mu.Lock()
	c.entries = append(c.entries, e)
	n := len(c.entries)
	c.mu.Unlock()
	telemetry.SetPending(n)
}

// Get returns the durable record merged with all pending entries, or nil
// when the user has neither. It waits while a flush persists the user, up to
// the lock timeout.
func (c *Changelog) Get(ctx context.Context, userID string) (*users.Record, error) {
	timer := time.NewTimer(c.lockTimeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if ch, locked := c.locks[userID]; locked {
			c.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-timer.C:
				telemetry.Inc(telemetry.LockTimeouts)
				c.log.Warn("lock wait timed out", slog.String("user_id", userID), slog.Duration("timeout", c.lockTimeout))
				return nil, fmt.Errorf("get user %s: %w", userID, ErrLockTimeout)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		gen := c.gens[userID]
		c.mu.Unlock()

		durable, err := c.store.FindUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("find user %s: %w", userID, err)
		}

		c.mu.Lock()
		_, locked := c.locks[userID]
		if locked || c.gens[userID] != gen {
			c.mu.Unlock()
			select {
			case <-timer.C:
				telemetry.Inc(telemetry.LockTimeouts)
				return nil, fmt.Errorf("get user %s: %w", userID, ErrLockTimeout)
			default:
			}
			continue
		}
		pending := c.pendingLocked(userID)
		c.mu.Unlock()

		return c.merge(userID, durable, pending), nil
	}
}

// Snapshot returns the same view as Get without waiting for a running flush:
// a user being persisted reads as durable state plus the entries in flight
// plus the entries queued since. It only retries when a flush takes or
// releases the user between its durable read and its check.
func (c *Changelog) Snapshot(ctx context.Context, userID string) (*users.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		if st, ok := c.staged[userID]; ok {
			rec := c.merge(userID, st, c.pendingLocked(userID))
			c.mu.Unlock()
			return rec, nil
		}
		gen := c.gens[userID]
		c.mu.Unlock()

		durable, err := c.store.FindUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("find user %s: %w", userID, err)
		}

		c.mu.Lock()
		if _, ok := c.staged[userID]; ok || c.gens[userID] != gen {
			c.mu.Unlock()
			continue
		}
		entries := append(append([]entry(nil), c.inflight[userID]...), c.pendingLocked(userID)...)
		rec := c.merge(userID, durable, entries)
		c.mu.Unlock()
		return rec, nil
	}
}

// GetOrFail is Get that reports users.ErrNotFound instead of nil.
func (c *Changelog) GetOrFail(ctx context.Context, userID string) (*users.Record, error) {
	rec, err := c.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("user %s: %w", userID, users.ErrNotFound)
	}
	return rec, nil
}

// Pending returns the number of queued entries.
func (c *Changelog) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PendingFor returns the number of queued entries for userID.
func (c *Changelog) PendingFor(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingLocked(userID))
}

func (c *Changelog) pendingLocked(userID string) []entry {
	var out []entry
	for _, e := range c.entries {
		if e.userID == userID {
			out = append(out, e)
		}
	}
	return out
}

// merge applies entries in order on top of durable. durable is not modified.
func (c *Changelog) merge(userID string, durable *users.Record, entries []entry) *users.Record {
	var rec *users.Record
	switch {
	case durable != nil:
		rec = durable.Clone()
	case len(entries) == 0:
		return nil
	default:
		rec = users.NewRecord(userID)
		rec.CreatedAt = c.now()
	}
	for _, e := range entries {
		switch e.kind {
		case kindSet:
			rec.Apply(e.patch)
		case kindIncrement:
			rec.Add(e.patch)
		}
	}
	rec.UserID = userID
	return rec
}

// Flush drains the current entries and persists one merged record per user.
// Flushes run one at a time in call order; a flush that finds the changelog
// empty returns without touching storage. Entries queued while a flush runs
// wait for the next one. Users that fail to save keep their entries queued,
// ahead of anything newer, and are reported as *PersistError values joined
// into the returned error.
func (c *Changelog) Flush(ctx context.Context) error {
	select {
	case c.flushSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.flushSem }()

	c.mu.Lock()
	if len(c.entries) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.entries
	c.entries = nil
	byUser := make(map[string][]entry)
	var order []string
	for _, e := range batch {
		if _, seen := byUser[e.userID]; !seen {
			order = append(order, e.userID)
		}
		byUser[e.userID] = append(byUser[e.userID], e)
	}
	for _, id := range order {
		c.gens[id]++
		c.locks[id] = make(chan struct{})
		c.inflight[id] = byUser[id]
	}
	c.mu.Unlock()
	telemetry.SetPending(0)

	ctx, span := telemetry.StartSpan(ctx, "changelog", "changelog.flush",
		attribute.Int("changelog.users", len(order)),
		attribute.Int("changelog.entries", len(batch)))
	defer span.End()

	var (
		failMu sync.Mutex
		failed = make(map[string]error)
	)
	telemetry.TimeFunc(telemetry.FlushDuration, func() {
		var g errgroup.Group
		g.SetLimit(c.concurrency)
		for _, id := range order {
			g.Go(func() error {
				if err := c.persist(ctx, id, byUser[id]); err != nil {
					failMu.Lock()
					failed[id] = err
					failMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	})

	c.mu.Lock()
	if len(failed) > 0 {
		requeue := make([]entry, 0, len(batch))
		for _, e := range batch {
			if _, bad := failed[e.userID]; bad {
				requeue = append(requeue, e)
			}
		}
		c.entries = append(requeue, c.entries...)
	}
	for _, id := range order {
		c.gens[id]++
		close(c.locks[id])
		delete(c.locks, id)
		delete(c.inflight, id)
		delete(c.staged, id)
	}
	pending := len(c.entries)
	c.mu.Unlock()

	telemetry.SetPending(pending)
	telemetry.Inc(telemetry.FlushCycles)
	telemetry.Add(telemetry.FlushedUsers, len(order)-len(failed))
	telemetry.Add(telemetry.FlushFailures, len(failed))

	if len(failed) == 0 {
		telemetry.SetSpanSuccess(span)
		c.log.Debug("changelog flushed", slog.Int("users", len(order)), slog.Int("entries", len(batch)))
		return nil
	}

	errs := make([]error, 0, len(failed))
	for _, id := range order {
		if err, bad := failed[id]; bad {
			errs = append(errs, &PersistError{UserID: id, Err: err})
		}
	}
	err := errors.Join(errs...)
	telemetry.RecordError(span, err)
	c.log.Warn("changelog flush incomplete, entries re-queued",
		slog.Int("users", len(order)), slog.Int("failed", len(failed)), slog.Any("err", err))
	return err
}

func (c *Changelog) persist(ctx context.Context, userID string, entries []entry) error {
	durable, err := c.store.FindUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("find: %w", err)
	}
	rec := c.merge(userID, durable, entries)
	c.mu.Lock()
	c.staged[userID] = rec
	c.mu.Unlock()
	if _, err := c.store.SaveUser(ctx, rec); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}
