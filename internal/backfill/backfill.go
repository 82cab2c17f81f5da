// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package backfill pre-warms conversation previews and history in the
// background after a fresh session starts.
//
// The scheduler runs staged, best-effort fetches: everything is
// fire-and-forget, per-item errors are swallowed, and no stage blocks the
// connection coming up. It runs at most once per fresh session and not at
// all when a session was resumed (the stream replayed anything we missed).
package backfill // import "mellium.im/courier/internal/backfill"

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"mellium.im/xmpp/history"
	"mellium.im/xmpp/jid"
)

// Source enumerates the entities worth fetching and remembers scheduler
// bookkeeping between runs.
type Source interface {
	// Conversations lists the bare JIDs of known conversations, filtered
	// by their archived flag.
	Conversations(ctx context.Context, archived bool) ([]jid.JID, error)
	// RosterWithoutConversation lists roster contacts that have no
	// conversation yet (messages may have arrived while we were offline).
	RosterWithoutConversation(ctx context.Context) ([]jid.JID, error)
	// Rooms lists the bare JIDs of bookmarked rooms that are joined on
	// connect.
	Rooms(ctx context.Context) ([]jid.JID, error)
	// NewestMessage returns the timestamp of the newest cached message for
	// the entity, or the zero time when nothing is cached.
	NewestMessage(ctx context.Context, j jid.JID) (time.Time, error)
	// LastDailyCheck returns the time the archived-conversation check last
	// ran, or the zero time if it never has.
	LastDailyCheck(ctx context.Context) (time.Time, error)
	SetLastDailyCheck(ctx context.Context, t time.Time) error
}

// QueryFunc issues a single archive query for the entity.
// Results stream back through the regular message handling path.
type QueryFunc func(ctx context.Context, j jid.JID, q history.Query) error

// Option is used to configure a scheduler.
type Option func(*Scheduler)

// Logger sets the debug logger.
func Logger(debug *log.Logger) Option {
	return func(s *Scheduler) {
		if debug != nil {
			s.debug = debug
		}
	}
}

// Concurrency bounds the number of archive queries in flight per stage.
func Concurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// RoomDelay sets how long after connect the room catch-up stage fires,
// giving room joins and capability discovery time to settle.
func RoomDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.roomDelay = d
		}
	}
}

// PageSize sets the number of messages fetched per deep catch-up query.
func PageSize(n uint64) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// DailyInterval overrides how often the archived-conversation check runs.
func DailyInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.dailyInterval = d
		}
	}
}

// Scheduler runs the staged background sync.
type Scheduler struct {
	source Source
	query  QueryFunc

	concurrency   int
	roomDelay     time.Duration
	pageSize      uint64
	dailyInterval time.Duration
	debug         *log.Logger

	mu        sync.Mutex
	roomTimer *time.Timer
}

// New creates a scheduler.
func New(source Source, query QueryFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:        source,
		query:         query,
		concurrency:   4,
		roomDelay:     30 * time.Second,
		pageSize:      100,
		dailyInterval: 24 * time.Hour,
		debug:         log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the sync stages for a session that just came online.
// It returns immediately when the session was resumed. It blocks through
// the sequential stages, so callers normally run it on its own goroutine;
// cancel ctx to abandon whatever is in flight.
func (s *Scheduler) Run(ctx context.Context, fresh bool) {
	if !fresh {
		s.debug.Println("session resumed, skipping background sync")
		return
	}

	// The archived check is gated by its own timestamp and does not depend
	// on the other stages.
	go s.dailyCheck(ctx)

	s.previews(ctx)
	if ctx.Err() != nil {
		return
	}
	s.catchUp(ctx)
	if ctx.Err() != nil {
		return
	}
	s.rosterDiscovery(ctx)
	if ctx.Err() != nil {
		return
	}
	s.armRoomTimer(ctx)
}

// ConnectionLost cancels the pending delayed room stage, if any.
func (s *Scheduler) ConnectionLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomTimer != nil {
		s.roomTimer.Stop()
		s.roomTimer = nil
	}
}

// previews fetches the single latest archive message per non-archived
// conversation so every preview is current before the user opens anything.
func (s *Scheduler) previews(ctx context.Context) {
	convs, err := s.source.Conversations(ctx, false)
	if err != nil {
		s.debug.Printf("error listing conversations for preview sync: %v", err)
		return
	}
	s.forEach(ctx, convs, func(ctx context.Context, j jid.JID) error {
		return s.query(ctx, j, history.Query{
			End:     time.Now(),
			Limit:   1,
			Reverse: true,
			Last:    true,
		})
	})
}

// catchUp deep-fetches everything newer than the cache per non-archived
// conversation.
func (s *Scheduler) catchUp(ctx context.Context) {
	convs, err := s.source.Conversations(ctx, false)
	if err != nil {
		s.debug.Printf("error listing conversations for catch-up: %v", err)
		return
	}
	s.forEach(ctx, convs, s.queryAfterNewest)
}

// rosterDiscovery bootstraps a history page for roster contacts that have
// no conversation yet, picking up messages received while offline.
func (s *Scheduler) rosterDiscovery(ctx context.Context) {
	contacts, err := s.source.RosterWithoutConversation(ctx)
	if err != nil {
		s.debug.Printf("error listing roster contacts for discovery: %v", err)
		return
	}
	s.forEach(ctx, contacts, func(ctx context.Context, j jid.JID) error {
		return s.query(ctx, j, history.Query{
			End:     time.Now(),
			Limit:   s.pageSize,
			Reverse: true,
			Last:    true,
		})
	})
}

func (s *Scheduler) armRoomTimer(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomTimer != nil {
		s.roomTimer.Stop()
	}
	s.roomTimer = time.AfterFunc(s.roomDelay, func() {
		s.mu.Lock()
		s.roomTimer = nil
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.roomCatchUp(ctx)
	})
}

func (s *Scheduler) roomCatchUp(ctx context.Context) {
	rooms, err := s.source.Rooms(ctx)
	if err != nil {
		s.debug.Printf("error listing rooms for catch-up: %v", err)
		return
	}
	s.forEach(ctx, rooms, s.queryAfterNewest)
}

// dailyCheck catches up archived conversations at most once per interval.
func (s *Scheduler) dailyCheck(ctx context.Context) {
	last, err := s.source.LastDailyCheck(ctx)
	if err != nil {
		s.debug.Printf("error loading archived-check timestamp: %v", err)
		return
	}
	if time.Since(last) < s.dailyInterval {
		return
	}
	convs, err := s.source.Conversations(ctx, true)
	if err != nil {
		s.debug.Printf("error listing archived conversations: %v", err)
		return
	}
	s.forEach(ctx, convs, s.queryAfterNewest)
	if ctx.Err() != nil {
		return
	}
	if err := s.source.SetLastDailyCheck(ctx, time.Now()); err != nil {
		s.debug.Printf("error saving archived-check timestamp: %v", err)
	}
}

// queryAfterNewest issues a catch-up query bounded below by the newest
// cached message, or a most-recent page when nothing is cached.
func (s *Scheduler) queryAfterNewest(ctx context.Context, j jid.JID) error {
	newest, err := s.source.NewestMessage(ctx, j)
	if err != nil {
		return err
	}
	var q history.Query
	if newest.IsZero() {
		q = history.Query{
			End:     time.Now(),
			Limit:   s.pageSize,
			Reverse: true,
			Last:    true,
		}
	} else {
		q = history.Query{
			Start: newest.Add(time.Millisecond),
		}
	}
	return s.query(ctx, j, q)
}

// forEach runs fn for every entity with bounded concurrency, logging and
// swallowing per-entity errors.
func (s *Scheduler) forEach(ctx context.Context, js []jid.JID, fn func(context.Context, jid.JID) error) {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for _, j := range js {
		j := j
		group.Go(func() error {
			if err := fn(ctx, j); err != nil {
				s.debug.Printf("background sync for %s failed: %v", j, err)
			}
			// Errors never cancel the stage for the other entities.
			return nil
		})
	}
	_ = group.Wait()
}
