// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage_test

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"mellium.im/courier/internal/client/event"
	"mellium.im/courier/internal/session"
	"mellium.im/courier/internal/storage"
	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"
)

func openTestDB(ctx context.Context, t *testing.T) *storage.DB {
	t.Helper()
	schema, err := os.ReadFile(filepath.Join("..", "..", "schema.sql"))
	if err != nil {
		t.Fatalf("error reading schema: %v", err)
	}
	m := storage.Migrations{
		storage.Migration{Version: 1, Up: string(schema)},
	}
	logger := log.New(io.Discard, "", 0)
	db, err := storage.OpenDB(ctx, "courier", "test", filepath.Join(t.TempDir(), "test.db"), m, message.NewPrinter(language.Und), logger)
	if err != nil {
		t.Fatalf("error opening database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("error closing database: %v", err)
		}
	})
	return db
}

func testMessage(from, to jid.JID, id, body string, sent time.Time) event.ChatMessage {
	return event.ChatMessage{
		Message: stanza.Message{
			From: from,
			To:   to,
			ID:   id,
			Type: stanza.ChatMessage,
		},
		Body:  body,
		Delay: delay.Delay{Time: sent},
	}
}

func replaceRoster(ctx context.Context, t *testing.T, db *storage.DB, ver string, entries ...event.UpdateRoster) {
	t.Helper()
	items := make(chan event.UpdateRoster)
	go func() {
		defer close(items)
		for _, e := range entries {
			items <- e
		}
	}()
	err := db.ReplaceRoster(ctx, event.FetchRoster{Ver: ver, Items: items})
	if err != nil {
		t.Fatalf("error replacing roster: %v", err)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(ctx, t)

	creds, err := db.LoadCredentials(ctx)
	if err != nil {
		t.Fatalf("error loading credentials from empty database: %v", err)
	}
	if creds != nil {
		t.Fatalf("expected nil credentials before any were saved, got %+v", creds)
	}

	err = db.SaveCredentials(ctx, &session.Credentials{ID: "abc123", Inbound: 42})
	if err != nil {
		t.Fatalf("error saving credentials: %v", err)
	}
	creds, err = db.LoadCredentials(ctx)
	if err != nil {
		t.Fatalf("error loading credentials: %v", err)
	}
	if creds == nil {
		t.Fatalf("expected credentials after save")
	}
	if creds.ID != "abc123" {
		t.Errorf("wrong stream ID: want=%q, got=%q", "abc123", creds.ID)
	}
	if creds.Inbound != 42 {
		t.Errorf("wrong inbound counter: want=42, got=%d", creds.Inbound)
	}

	// A nil save erases the state so a dead stream is not resumed later.
	err = db.SaveCredentials(ctx, nil)
	if err != nil {
		t.Fatalf("error erasing credentials: %v", err)
	}
	creds, err = db.LoadCredentials(ctx)
	if err != nil {
		t.Fatalf("error loading credentials after erase: %v", err)
	}
	if creds != nil {
		t.Fatalf("expected nil credentials after erase, got %+v", creds)
	}
}

func TestDailyCheckRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(ctx, t)

	last, err := db.LastDailyCheck(ctx)
	if err != nil {
		t.Fatalf("error loading check time from empty database: %v", err)
	}
	if !last.IsZero() {
		t.Fatalf("expected zero time before any check ran, got %v", last)
	}

	now := time.Now().Truncate(time.Second)
	err = db.SetLastDailyCheck(ctx, now)
	if err != nil {
		t.Fatalf("error saving check time: %v", err)
	}
	last, err = db.LastDailyCheck(ctx)
	if err != nil {
		t.Fatalf("error loading check time: %v", err)
	}
	if !last.Equal(now) {
		t.Errorf("wrong check time: want=%v, got=%v", now, last)
	}
}

func TestMessageBounds(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(ctx, t)
	me := jid.MustParse("me@example.net")
	them := jid.MustParse("them@example.net")

	newest, err := db.NewestMessage(ctx, them)
	if err != nil {
		t.Fatalf("error querying newest message of empty cache: %v", err)
	}
	if !newest.IsZero() {
		t.Fatalf("expected zero time for empty cache, got %v", newest)
	}
	oldest, err := db.OldestMessage(ctx, them)
	if err != nil {
		t.Fatalf("error querying oldest message of empty cache: %v", err)
	}
	if !oldest.IsZero() {
		t.Fatalf("expected zero time for empty cache, got %v", oldest)
	}

	early := time.Now().Add(-time.Hour).Truncate(time.Second)
	late := time.Now().Truncate(time.Second)
	err = db.InsertMsg(ctx, true, testMessage(them, me, "m1", "first", early), me)
	if err != nil {
		t.Fatalf("error inserting first message: %v", err)
	}
	err = db.InsertMsg(ctx, true, testMessage(them, me, "m2", "second", late), me)
	if err != nil {
		t.Fatalf("error inserting second message: %v", err)
	}

	newest, err = db.NewestMessage(ctx, them)
	if err != nil {
		t.Fatalf("error querying newest message: %v", err)
	}
	if !newest.Equal(late) {
		t.Errorf("wrong newest message time: want=%v, got=%v", late, newest)
	}
	oldest, err = db.OldestMessage(ctx, them)
	if err != nil {
		t.Fatalf("error querying oldest message: %v", err)
	}
	if !oldest.Equal(early) {
		t.Errorf("wrong oldest message time: want=%v, got=%v", early, oldest)
	}
}

func TestArchivedConversations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(ctx, t)
	me := jid.MustParse("me@example.net")
	friend := jid.MustParse("friend@example.net")
	list := jid.MustParse("list@example.net")
	quiet := jid.MustParse("quiet@example.net")

	replaceRoster(ctx, t, db, "ver1",
		event.UpdateRoster{Item: roster.Item{JID: friend, Name: "Friend", Subscription: "both"}},
		event.UpdateRoster{Item: roster.Item{JID: list, Name: "List", Subscription: "both"}},
		event.UpdateRoster{Item: roster.Item{JID: quiet, Name: "Quiet", Subscription: "both"}},
	)
	ver, err := db.RosterVer(ctx)
	if err != nil {
		t.Fatalf("error loading roster version: %v", err)
	}
	if ver != "ver1" {
		t.Errorf("wrong roster version: want=%q, got=%q", "ver1", ver)
	}

	now := time.Now().Truncate(time.Second)
	err = db.InsertMsg(ctx, true, testMessage(friend, me, "m1", "hi", now), me)
	if err != nil {
		t.Fatalf("error inserting message: %v", err)
	}
	err = db.InsertMsg(ctx, true, testMessage(list, me, "m2", "digest", now), me)
	if err != nil {
		t.Fatalf("error inserting message: %v", err)
	}

	err = db.SetArchived(ctx, list, true)
	if err != nil {
		t.Fatalf("error marking conversation archived: %v", err)
	}

	convs, err := db.Conversations(ctx, false)
	if err != nil {
		t.Fatalf("error listing active conversations: %v", err)
	}
	if len(convs) != 1 || !convs[0].Equal(friend.Bare()) {
		t.Errorf("wrong active conversations: want=[%s], got=%v", friend, convs)
	}
	convs, err = db.Conversations(ctx, true)
	if err != nil {
		t.Fatalf("error listing archived conversations: %v", err)
	}
	if len(convs) != 1 || !convs[0].Equal(list.Bare()) {
		t.Errorf("wrong archived conversations: want=[%s], got=%v", list, convs)
	}

	// The contact with no cached messages shows up for the initial backfill.
	empty, err := db.RosterWithoutConversation(ctx)
	if err != nil {
		t.Fatalf("error listing contacts without conversations: %v", err)
	}
	if len(empty) != 1 || !empty[0].Equal(quiet.Bare()) {
		t.Errorf("wrong contacts without conversations: want=[%s], got=%v", quiet, empty)
	}

	var seen []string
	err = db.ForRoster(ctx, func(e event.UpdateRoster) {
		if e.Ver != "ver1" {
			t.Errorf("wrong version on roster entry: want=%q, got=%q", "ver1", e.Ver)
		}
		seen = append(seen, e.Item.JID.String())
	})
	if err != nil {
		t.Fatalf("error iterating roster: %v", err)
	}
	if len(seen) != 3 {
		t.Errorf("wrong number of roster entries: want=3, got=%d (%v)", len(seen), seen)
	}
}

func TestBookmarks(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(ctx, t)
	room := jid.MustParse("room@muc.example.net")
	lounge := jid.MustParse("lounge@muc.example.net")

	items := make(chan event.UpdateBookmark)
	go func() {
		defer close(items)
		items <- event.UpdateBookmark{JID: room, Name: "Room", Autojoin: true}
		items <- event.UpdateBookmark{JID: lounge, Name: "Lounge"}
	}()
	err := db.ReplaceBookmarks(ctx, event.FetchBookmarks{Items: items})
	if err != nil {
		t.Fatalf("error replacing bookmarks: %v", err)
	}

	rooms, err := db.Rooms(ctx)
	if err != nil {
		t.Fatalf("error listing rooms: %v", err)
	}
	if len(rooms) != 1 || !rooms[0].Equal(room.Bare()) {
		t.Errorf("wrong autojoin rooms: want=[%s], got=%v", room, rooms)
	}

	// A push flipping autojoin upserts in place.
	err = db.UpdateBookmark(ctx, event.UpdateBookmark{JID: lounge, Name: "Lounge", Autojoin: true})
	if err != nil {
		t.Fatalf("error updating bookmark: %v", err)
	}
	rooms, err = db.Rooms(ctx)
	if err != nil {
		t.Fatalf("error listing rooms after update: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("wrong number of autojoin rooms after update: want=2, got=%v", rooms)
	}

	err = db.DeleteBookmark(ctx, room)
	if err != nil {
		t.Fatalf("error deleting bookmark: %v", err)
	}
	rooms, err = db.Rooms(ctx)
	if err != nil {
		t.Fatalf("error listing rooms after delete: %v", err)
	}
	if len(rooms) != 1 || !rooms[0].Equal(lounge.Bare()) {
		t.Errorf("wrong rooms after delete: want=[%s], got=%v", lounge, rooms)
	}
}
