// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"log"
	"sync"
	"time"

	/* #nosec */
	_ "crypto/sha1"
	_ "crypto/sha256"

	"mellium.im/courier/internal/archive"
	"mellium.im/courier/internal/client"
	"mellium.im/courier/internal/client/event"
	"mellium.im/courier/internal/session"
	"mellium.im/courier/internal/storage"
	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/jid"
)

// NSMAM is the message archive management namespace.
const NSMAM = "urn:xmpp:mam:2"

// clientHandler fans client events out to the database, the session
// orchestrator, and the archive coordinator.
type clientHandler struct {
	c      *client.Client
	db     *storage.DB
	sess   *session.Session
	arch   *archive.Coordinator
	logger *log.Logger
	debug  *log.Logger

	mu         sync.Mutex
	accountMAM bool
}

func newClientHandler(c *client.Client, db *storage.DB, sess *session.Session, arch *archive.Coordinator, logger, debug *log.Logger) func(interface{}) {
	h := &clientHandler{
		c:      c,
		db:     db,
		sess:   sess,
		arch:   arch,
		logger: logger,
		debug:  debug,
	}
	return h.handle
}

func (h *clientHandler) handle(ev interface{}) {
	p := h.c.Printer()
	switch e := ev.(type) {
	case event.SessionStarted, event.SessionEnded, event.AckReceived:
		h.sess.HandleTransportEvent(ev)
	case event.StatusOnline:
		h.debug.Print(p.Sprintf("%s came online", jid.JID(e)))
	case event.StatusOffline:
		h.debug.Print(p.Sprintf("%s went offline", jid.JID(e)))
	case event.StatusAway:
		h.debug.Print(p.Sprintf("%s is away", jid.JID(e)))
	case event.StatusBusy:
		h.debug.Print(p.Sprintf("%s is busy", jid.JID(e)))
	case event.FetchRoster:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := h.db.ReplaceRoster(ctx, e)
		if err != nil {
			h.logger.Print(p.Sprintf("error updating to roster ver %q: %v", e.Ver, err))
		}
	case event.UpdateRoster:
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := h.db.UpdateRoster(ctx, e.Ver, e)
		if err != nil {
			h.debug.Print(p.Sprintf("error updating roster version: %v", err))
		}
	case event.FetchBookmarks:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := h.db.ReplaceBookmarks(ctx, e)
		if err != nil {
			h.logger.Print(p.Sprintf("error storing bookmarks: %v", err))
		}
	case event.UpdateBookmark:
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := h.db.UpdateBookmark(ctx, e)
		if err != nil {
			h.debug.Print(p.Sprintf("error storing bookmark for %s: %v", e.JID, err))
		}
		go h.syncMembership(e)
	case event.Receipt:
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := h.db.MarkReceived(ctx, e)
		if err != nil {
			h.logger.Print(p.Sprintf("error marking message %q as received: %v", e, err))
		}
	case event.ChatMessage:
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.db.InsertMsg(ctx, e.Account, e, h.c.LocalAddr()); err != nil {
			h.logger.Print(p.Sprintf("error writing message to database: %v", err))
		}
		// A live message makes its conversation active: load the cache and
		// catch up from the archive so the conversation is complete by the
		// time anything reads it.
		var counterpart jid.JID
		if e.Sent {
			counterpart = e.To.Bare()
		} else {
			counterpart = e.From.Bare()
		}
		if !counterpart.Equal(jid.JID{}) && !counterpart.Equal(h.c.LocalAddr().Bare()) {
			h.markSupported(counterpart)
			h.arch.Activate(ctx, counterpart)
		}
	case event.HistoryMessage:
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.db.InsertMsg(ctx, true, e.Result.Forward.Msg, h.c.LocalAddr()); err != nil {
			h.logger.Print(p.Sprintf("error writing history to database: %v", err))
		}
	case event.NewCaps:
		go h.newCaps(e)
	case event.NewFeatures:
		go h.newFeatures(e)
	default:
		h.debug.Print(p.Sprintf("unrecognized client event: %T(%[1]q)", e))
	}
}

// syncMembership joins or leaves a room so that the live session tracks the
// autojoin flag on a pushed bookmark.
func (h *clientHandler) syncMembership(e event.UpdateBookmark) {
	p := h.c.Printer()
	room := e.JID.Bare()
	joined := h.c.Joined(room)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	switch {
	case e.Autojoin && !joined:
		joinJID, err := room.WithResource(h.c.LocalAddr().Localpart())
		if err != nil {
			h.logger.Print(p.Sprintf("invalid nick for %s: %v", room, err))
			return
		}
		err = h.sess.Do(ctx, func(ctx context.Context) error {
			return h.c.JoinMUC(ctx, joinJID)
		})
		if err != nil {
			h.logger.Print(p.Sprintf("error joining %s: %v", room, err))
		}
	case !e.Autojoin && joined:
		err := h.sess.Do(ctx, func(ctx context.Context) error {
			return h.c.LeaveMUC(ctx, room, "")
		})
		if err != nil {
			h.logger.Print(p.Sprintf("error leaving %s: %v", room, err))
		}
	}
}

// markSupported flags the entity's archive as queryable when the account
// archive is known to support queries.
// Rooms carry their own archives and are flagged from their own caps instead.
func (h *clientHandler) markSupported(j jid.JID) {
	h.mu.Lock()
	supported := h.accountMAM
	h.mu.Unlock()
	if supported {
		h.arch.SetSupported(j, true)
	}
}

// newCaps stores freshly advertised entity capabilities and re-checks
// archive support for the advertising entity.
func (h *clientHandler) newCaps(e event.NewCaps) {
	p := h.c.Printer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := h.db.UpdateDisco(ctx, e.From, e.Caps, func(ctx context.Context) (disco.Info, error) {
		return disco.GetInfo(ctx, "", e.From, h.c.Session)
	})
	if err != nil {
		h.logger.Print(p.Sprintf("error updating entity capabilities for %s: %v", e.From, err))
		return
	}
	supported, err := h.db.CheckFeature(ctx, e.From, NSMAM)
	if err != nil {
		h.debug.Print(p.Sprintf("error checking archive support for %s: %v", e.From, err))
		return
	}
	if !supported {
		return
	}

	switch {
	case e.From.Equal(h.c.LocalAddr().Domain()) || e.From.Bare().Equal(h.c.LocalAddr().Bare()):
		// The account archive covers every conversation.
		h.mu.Lock()
		h.accountMAM = true
		h.mu.Unlock()
		convs, err := h.db.Conversations(ctx, false)
		if err != nil {
			h.debug.Print(p.Sprintf("error listing conversations: %v", err))
			return
		}
		for _, j := range convs {
			h.arch.SetSupported(j, true)
		}
	default:
		// A room (or other entity) announcing its own archive.
		h.arch.SetSupported(e.From.Bare(), true)
	}
}

func (h *clientHandler) newFeatures(e event.NewFeatures) {
	p := h.c.Printer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := struct {
		Info disco.Info
		Err  error
	}{}
	result.Info, result.Err = disco.GetInfo(ctx, "", e.To, h.c.Session)
	if result.Err != nil {
		h.debug.Print(p.Sprintf("error fetching disco info for %s: %v", e.To, result.Err))
	}
	e.Info <- result
}
