// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package event contains events that may be emitted by the client.
package event // import "mellium.im/courier/internal/client/event"

import (
	"mellium.im/xmpp/bookmarks"
	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/forward"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"
)

type (
	// SessionStarted is sent when a session has been negotiated.
	// Resumed is true if the server accepted stream-management resumption,
	// meaning missed stanzas are replayed server side and no archive
	// catch-up is needed.
	SessionStarted struct {
		Resumed bool
	}

	// SessionEnded is sent when the session's serve loop exits.
	// Err is the error that ended the session, or nil on a clean shutdown.
	SessionEnded struct {
		Err error
	}

	// AckReceived is sent when a stream-management acknowledgement arrives.
	AckReceived struct {
		Handled uint32
	}

	// StatusOnline is sent when a contact comes online.
	StatusOnline jid.JID

	// StatusOffline is sent when a contact goes offline.
	StatusOffline jid.JID

	// StatusAway is sent when a contact changes their status to away.
	StatusAway jid.JID

	// StatusBusy is sent when a contact changes their status to busy.
	StatusBusy jid.JID

	// FetchRoster is sent when a roster is fetched.
	FetchRoster struct {
		Ver   string
		Items <-chan UpdateRoster
	}

	// UpdateRoster is sent when a roster item should be updated (eg. after a
	// roster push).
	UpdateRoster struct {
		roster.Item
		Ver string
	}

	// UpdateBookmark is sent when a bookmark should be updated (eg. if you
	// have subscribed to bookmark updates and received a push).
	UpdateBookmark bookmarks.Channel

	// FetchBookmarks is sent when the full list of bookmarks is fetched.
	FetchBookmarks struct {
		Items <-chan UpdateBookmark
	}

	// ChatMessage is sent when messages of type "chat" or "normal" are
	// received or sent.
	ChatMessage struct {
		stanza.Message

		Body     string          `xml:"body,omitempty"`
		OriginID stanza.OriginID `xml:"urn:xmpp:sid:0 origin-id"`
		SID      []stanza.ID     `xml:"urn:xmpp:sid:0 stanza-id"`
		Delay    delay.Delay     `xml:"urn:xmpp:delay delay"`

		// Sent is true if this message is one that we sent from another
		// device (for example, a message forwarded to us by message carbons).
		Sent bool `xml:"-"`
		// Account is true if this message was sent by the server (empty
		// from, or from matching the bare JID of the authenticated account).
		Account bool `xml:"-"`
	}

	// HistoryMessage is sent on incoming messages resulting from a history
	// query.
	HistoryMessage struct {
		stanza.Message
		Result struct {
			QueryID string `xml:"queryid,attr"`
			ID      string `xml:"id,attr"`
			Forward struct {
				forward.Forwarded
				Msg ChatMessage `xml:"jabber:client message"`
			} `xml:"urn:xmpp:forward:0 forwarded"`
		} `xml:"urn:xmpp:mam:2 result"`
	}

	// Receipt is sent when a message receipt is received and represents the
	// ID of the message that should be marked as received.
	Receipt string

	// NewCaps is sent when new capabilities have been discovered.
	NewCaps struct {
		From jid.JID
		Caps disco.Caps
	}

	// NewFeatures is sent when entity features should be refreshed.
	NewFeatures struct {
		To   jid.JID
		Info chan<- struct {
			Info disco.Info
			Err  error
		}
	}
)
