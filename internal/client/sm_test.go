// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"encoding/xml"
	"io"
	"log"
	"strconv"
	"sync/atomic"
	"testing"

	"mellium.im/courier/internal/client/event"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

var isStanzaTestCases = [...]struct {
	name xml.Name
	out  bool
}{
	0: {name: xml.Name{Space: stanza.NSClient, Local: "message"}, out: true},
	1: {name: xml.Name{Space: stanza.NSClient, Local: "presence"}, out: true},
	2: {name: xml.Name{Space: stanza.NSClient, Local: "iq"}, out: true},
	3: {name: xml.Name{Space: stanza.NSServer, Local: "message"}, out: true},
	4: {name: xml.Name{Local: "message"}, out: true},
	5: {name: xml.Name{Space: NSStreamMgmt, Local: "r"}, out: false},
	6: {name: xml.Name{Space: NSStreamMgmt, Local: "a"}, out: false},
	7: {name: xml.Name{Space: stanza.NSClient, Local: "body"}, out: false},
	8: {name: xml.Name{Space: "urn:example:other", Local: "iq"}, out: false},
}

func TestIsStanza(t *testing.T) {
	for i, tc := range isStanzaTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if out := isStanza(tc.name); out != tc.out {
				t.Errorf("wrong result for %v: want=%t, got=%t", tc.name, tc.out, out)
			}
		})
	}
}

func testClient(t *testing.T) *Client {
	t.Helper()
	j := jid.MustParse("me@example.net")
	logger := log.New(io.Discard, "", 0)
	return New(j, logger, logger)
}

func TestHandleSMEnabled(t *testing.T) {
	c := testClient(t)
	err := c.handleSM(&xml.StartElement{
		Name: xml.Name{Space: NSStreamMgmt, Local: "enabled"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "id"}, Value: "abc123"},
			{Name: xml.Name{Local: "resume"}, Value: "true"},
		},
	})
	if err != nil {
		t.Fatalf("error handling enabled: %v", err)
	}
	select {
	case outcome := <-c.smCh:
		if outcome.resumed || outcome.failed {
			t.Errorf("wrong outcome for enabled: %+v", outcome)
		}
		if outcome.id != "abc123" {
			t.Errorf("wrong stream ID: want=%q, got=%q", "abc123", outcome.id)
		}
	default:
		t.Fatalf("no outcome reported for enabled")
	}
}

func TestHandleSMResumed(t *testing.T) {
	c := testClient(t)
	err := c.handleSM(&xml.StartElement{
		Name: xml.Name{Space: NSStreamMgmt, Local: "resumed"},
	})
	if err != nil {
		t.Fatalf("error handling resumed: %v", err)
	}
	select {
	case outcome := <-c.smCh:
		if !outcome.resumed || outcome.failed {
			t.Errorf("wrong outcome for resumed: %+v", outcome)
		}
	default:
		t.Fatalf("no outcome reported for resumed")
	}
}

func TestHandleSMFailed(t *testing.T) {
	c := testClient(t)
	err := c.handleSM(&xml.StartElement{
		Name: xml.Name{Space: NSStreamMgmt, Local: "failed"},
	})
	if err != nil {
		t.Fatalf("error handling failed: %v", err)
	}
	select {
	case outcome := <-c.smCh:
		if outcome.resumed || !outcome.failed {
			t.Errorf("wrong outcome for failed: %+v", outcome)
		}
	default:
		t.Fatalf("no outcome reported for failed")
	}
}

func TestHandleSMAck(t *testing.T) {
	c := testClient(t)
	var got []interface{}
	c.Handler(func(ev interface{}) {
		got = append(got, ev)
	})
	err := c.handleSM(&xml.StartElement{
		Name: xml.Name{Space: NSStreamMgmt, Local: "a"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "h"}, Value: "42"},
		},
	})
	if err != nil {
		t.Fatalf("error handling ack: %v", err)
	}
	select {
	case h := <-c.ackCh:
		if h != 42 {
			t.Errorf("wrong counter on ack channel: want=42, got=%d", h)
		}
	default:
		t.Fatalf("no ack delivered")
	}
	if len(got) != 1 {
		t.Fatalf("wrong number of events emitted: want=1, got=%d", len(got))
	}
	ack, ok := got[0].(event.AckReceived)
	if !ok {
		t.Fatalf("wrong event type emitted: %T", got[0])
	}
	if ack.Handled != 42 {
		t.Errorf("wrong counter on event: want=42, got=%d", ack.Handled)
	}
}

func TestHandleSMAckDoesNotBlock(t *testing.T) {
	c := testClient(t)
	// A stale ack that nothing consumed must not block the next one.
	c.ackCh <- 1
	err := c.handleSM(&xml.StartElement{
		Name: xml.Name{Space: NSStreamMgmt, Local: "a"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "h"}, Value: "2"},
		},
	})
	if err != nil {
		t.Fatalf("error handling ack: %v", err)
	}
}

func TestCredentials(t *testing.T) {
	c := testClient(t)
	if creds := c.Credentials(); creds != nil {
		t.Errorf("expected nil credentials before stream management was enabled, got %+v", creds)
	}

	c.smM.Lock()
	c.smID = "abc123"
	c.smM.Unlock()
	atomic.StoreUint32(&c.inbound, 7)

	creds := c.Credentials()
	if creds == nil {
		t.Fatalf("expected credentials after stream management was enabled")
	}
	if creds.ID != "abc123" {
		t.Errorf("wrong stream ID: want=%q, got=%q", "abc123", creds.ID)
	}
	if creds.Inbound != 7 {
		t.Errorf("wrong inbound counter: want=7, got=%d", creds.Inbound)
	}
}
