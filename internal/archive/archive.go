// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package archive coordinates lazy history loading from the server archive.
//
// A coordinator tracks, per conversation or room, whether an archive query
// is in flight and whether a catch-up has already been attempted this
// session, and guarantees that a given entity never has two overlapping
// archive queries no matter how its triggers interleave.
// The loading flag is flipped synchronously, before the network call is
// issued, which closes the race between a re-entrant trigger (a scroll
// driven "load older", a second activation) and the in-flight fetch.
package archive // import "mellium.im/courier/internal/archive"

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"mellium.im/xmpp/history"
	"mellium.im/xmpp/jid"
)

// Store is the subset of the message cache the coordinator reads.
type Store interface {
	// NewestMessage returns the timestamp of the newest cached message for
	// the entity, or the zero time when nothing is cached.
	NewestMessage(ctx context.Context, j jid.JID) (time.Time, error)
	// OldestMessage returns the timestamp of the oldest cached message for
	// the entity, or the zero time when nothing is cached.
	OldestMessage(ctx context.Context, j jid.JID) (time.Time, error)
}

// QueryFunc issues a single archive query.
// Results stream back through the regular message handling path, not
// through the return value.
type QueryFunc func(ctx context.Context, j jid.JID, q history.Query) error

// LoadFunc loads cached history for the entity into whatever consumer is
// watching it. The merge must be idempotent: the coordinator calls it on
// every activation.
type LoadFunc func(ctx context.Context, j jid.JID, limit int) error

// Option is used to configure a coordinator.
type Option func(*Coordinator)

// Logger sets the user-facing and debug loggers.
func Logger(logger, debug *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
		if debug != nil {
			c.debug = debug
		}
	}
}

// PageSize sets the number of messages fetched for a first-ever or "load
// older" page.
func PageSize(n uint64) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// Disconnected sets the predicate used to tell outage errors apart from
// unexpected query failures, so that queries failing during a recognized
// outage are not logged as errors.
func Disconnected(f func(error) bool) Option {
	return func(c *Coordinator) {
		if f != nil {
			c.disconnected = f
		}
	}
}

// CacheLimit sets the number of messages requested from the local cache on
// activation.
func CacheLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.cacheLimit = n
		}
	}
}

type entity struct {
	active    bool
	loading   bool
	initiated bool
	supported bool
	noOlder   bool
}

// Coordinator implements the cache-first, at-most-one-fetch-in-flight
// archive protocol for a set of entities (conversations or rooms).
type Coordinator struct {
	store  Store
	query  QueryFunc
	load   LoadFunc
	online func() bool

	mu       sync.Mutex
	entities map[string]*entity

	pageSize     uint64
	cacheLimit   int
	disconnected func(error) bool
	logger       *log.Logger
	debug        *log.Logger
}

// New creates a coordinator.
// The online predicate gates network fetches: cache loads always happen, but
// archive queries are only issued while the connection is healthy.
func New(store Store, load LoadFunc, query QueryFunc, online func() bool, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		query:        query,
		load:         load,
		online:       online,
		entities:     make(map[string]*entity),
		pageSize:     100,
		cacheLimit:   100,
		disconnected: func(error) bool { return false },
		logger:       log.New(io.Discard, "", 0),
		debug:        log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) ent(j jid.JID) *entity {
	key := j.Bare().String()
	e := c.entities[key]
	if e == nil {
		e = &entity{}
		c.entities[key] = e
	}
	return e
}

// Reset clears all per-session state.
// It must be called at the start of every fresh (non-resumed) session:
// loading flags and the fetch-initiated set are session scoped.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entities {
		if !e.active && !e.supported {
			delete(c.entities, key)
			continue
		}
		e.loading = false
		e.initiated = false
		e.noOlder = false
	}
}

// Activate reports that the entity became active (its conversation was
// opened).
// The local cache is always re-read, even when messages are already in
// memory: live messages received while another entity was active must not
// suppress the cache read. A catch-up fetch follows if archive support is
// confirmed, the connection is healthy, and no fetch was initiated for this
// entity this session.
func (c *Coordinator) Activate(ctx context.Context, j jid.JID) {
	if err := c.load(ctx, j, c.cacheLimit); err != nil {
		c.logger.Printf("error loading cached history for %s: %v", j, err)
	}
	c.mu.Lock()
	c.ent(j).active = true
	c.mu.Unlock()
	c.maybeFetch(j)
}

// Deactivate reports that the entity is no longer active.
// Clearing the initiated mark permits a new catch-up when it next becomes
// active.
func (c *Coordinator) Deactivate(j jid.JID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ent(j)
	e.active = false
	e.initiated = false
}

// Reconnected reports that the connection came back after an outage.
// The initiated mark is cleared for active entities only, forcing a fresh
// catch-up (not a full cache-first reload) for what the user is looking at.
func (c *Coordinator) Reconnected() {
	c.mu.Lock()
	var again []string
	for key, e := range c.entities {
		if e.active {
			e.initiated = false
			again = append(again, key)
		}
	}
	c.mu.Unlock()
	for _, key := range again {
		j, err := jid.Parse(key)
		if err != nil {
			continue
		}
		c.maybeFetch(j)
	}
}

// SetSupported records whether the entity's archive is queryable.
// A false to true edge re-runs the catch-up exactly once, covering support
// discovered asynchronously after the entity already became active.
func (c *Coordinator) SetSupported(j jid.JID, supported bool) {
	c.mu.Lock()
	e := c.ent(j)
	edge := supported && !e.supported
	e.supported = supported
	c.mu.Unlock()
	if edge {
		c.maybeFetch(j)
	}
}

// Loading reports whether an archive query is in flight for the entity.
func (c *Coordinator) Loading(j jid.JID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ent(j).loading
}

// HasMoreHistory reports whether older history may still be available for
// the entity.
func (c *Coordinator) HasMoreHistory(j jid.JID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.ent(j).noOlder
}

// maybeFetch starts a catch-up fetch if all the preconditions hold.
// The loading flag and the initiated mark are set before the query
// goroutine is spawned, so no second trigger can slip in between the
// decision and the fetch.
func (c *Coordinator) maybeFetch(j jid.JID) {
	c.mu.Lock()
	e := c.ent(j)
	if !e.active || !e.supported || e.loading || e.initiated || !c.online() {
		c.mu.Unlock()
		return
	}
	e.initiated = true
	e.loading = true
	c.mu.Unlock()

	go c.fetch(j)
}

func (c *Coordinator) fetch(j jid.JID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	newest, err := c.store.NewestMessage(ctx, j)
	if err != nil {
		c.logger.Printf("error finding newest cached message for %s: %v", j, err)
		newest = time.Time{}
	}
	var q history.Query
	if newest.IsZero() {
		// Nothing cached: bootstrap the most recent page instead of the
		// full archive.
		q = history.Query{
			End:     time.Now(),
			Limit:   c.pageSize,
			Reverse: true,
			Last:    true,
		}
	} else {
		q = history.Query{
			Start: newest.Add(time.Millisecond),
		}
	}

	err = c.query(ctx, j, q)
	c.mu.Lock()
	c.ent(j).loading = false
	c.mu.Unlock()
	if err != nil {
		// The initiated mark stays set: there is no automatic retry loop,
		// the next activation or reconnect edge retries cleanly.
		if c.disconnected(err) {
			c.debug.Printf("archive query for %s interrupted by disconnect: %v", j, err)
		} else {
			c.logger.Printf("error fetching archive for %s: %v", j, err)
		}
	}
}

// LoadOlder fetches the page of history just before the oldest cached
// message. It is a no-op while a fetch for the entity is already in flight.
func (c *Coordinator) LoadOlder(ctx context.Context, j jid.JID) error {
	c.mu.Lock()
	e := c.ent(j)
	if e.loading {
		c.mu.Unlock()
		return nil
	}
	e.loading = true
	c.mu.Unlock()

	clear := func() {
		c.mu.Lock()
		c.ent(j).loading = false
		c.mu.Unlock()
	}

	oldest, err := c.store.OldestMessage(ctx, j)
	if err != nil {
		clear()
		return err
	}
	if oldest.IsZero() {
		c.debug.Printf("no scrollback for %s", j)
		c.mu.Lock()
		e.noOlder = true
		e.loading = false
		c.mu.Unlock()
		return nil
	}
	err = c.query(ctx, j, history.Query{
		End:     oldest,
		Limit:   c.pageSize,
		Reverse: true,
		Last:    true,
	})
	clear()
	if err != nil && c.disconnected(err) {
		c.debug.Printf("scrollback query for %s interrupted by disconnect: %v", j, err)
		return nil
	}
	return err
}
