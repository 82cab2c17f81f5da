// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"encoding/xml"
	"strconv"
	"sync/atomic"

	"mellium.im/courier/internal/client/event"
	"mellium.im/courier/internal/localerr"
	"mellium.im/courier/internal/session"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/stanza"
)

// NSStreamMgmt is the stream management namespace.
const NSStreamMgmt = "urn:xmpp:sm:3"

// smOutcome is the server's answer to an enable or resume request.
type smOutcome struct {
	resumed bool
	failed  bool
	id      string
}

// negotiateSM requests stream management on the freshly negotiated stream.
// When creds carry a previous stream ID a resume is attempted first, falling
// back to enabling a new stream if the server rejects it.
// The server replies with nonzas on the regular stream, so the serve loop
// must already be running when this is called.
func (c *Client) negotiateSM(ctx context.Context, creds *session.Credentials) (resumed bool, err error) {
	if creds != nil && creds.ID != "" {
		atomic.StoreUint32(&c.inbound, creds.Inbound)
		err = c.Session.Send(ctx, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Space: NSStreamMgmt, Local: "resume"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "previd"}, Value: creds.ID},
				{Name: xml.Name{Local: "h"}, Value: strconv.FormatUint(uint64(creds.Inbound), 10)},
			},
		}))
		if err != nil {
			return false, err
		}
		outcome, err := c.waitSM(ctx)
		if err != nil {
			return false, err
		}
		if outcome.resumed {
			c.smM.Lock()
			c.smID = creds.ID
			c.smM.Unlock()
			return true, nil
		}
		c.debug.Printf("stream resumption rejected, starting a new stream")
	}

	atomic.StoreUint32(&c.inbound, 0)
	err = c.Session.Send(ctx, xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: NSStreamMgmt, Local: "enable"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "resume"}, Value: "true"},
		},
	}))
	if err != nil {
		return false, err
	}
	outcome, err := c.waitSM(ctx)
	if err != nil {
		return false, err
	}
	if outcome.failed {
		return false, localerr.Wrap(c.Printer(), "server refused stream management")
	}
	c.smM.Lock()
	c.smID = outcome.id
	c.smM.Unlock()
	return false, nil
}

func (c *Client) waitSM(ctx context.Context) (smOutcome, error) {
	select {
	case outcome := <-c.smCh:
		return outcome, nil
	case <-ctx.Done():
		return smOutcome{}, ctx.Err()
	}
}

// Credentials returns the state needed to resume the current stream, or nil
// when stream management was never enabled.
func (c *Client) Credentials() *session.Credentials {
	c.smM.Lock()
	id := c.smID
	c.smM.Unlock()
	if id == "" {
		return nil
	}
	return &session.Credentials{
		ID:      id,
		Inbound: atomic.LoadUint32(&c.inbound),
	}
}

// RequestAck asks the server to acknowledge the stream and blocks until the
// ack arrives or the context expires.
// A healthy connection answers almost immediately, which makes this the
// cheapest way to tell a live socket from a dead one.
func (c *Client) RequestAck(ctx context.Context) error {
	// Drain any ack that raced a previous probe's timeout.
	select {
	case <-c.ackCh:
	default:
	}
	err := c.Session.Send(ctx, xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: NSStreamMgmt, Local: "r"},
	}))
	if err != nil {
		return err
	}
	select {
	case <-c.ackCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleSM processes a stream management nonza.
func (c *Client) handleSM(start *xml.StartElement) error {
	switch start.Name.Local {
	case "r":
		h := atomic.LoadUint32(&c.inbound)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			err := c.Session.Send(ctx, xmlstream.Wrap(nil, xml.StartElement{
				Name: xml.Name{Space: NSStreamMgmt, Local: "a"},
				Attr: []xml.Attr{
					{Name: xml.Name{Local: "h"}, Value: strconv.FormatUint(uint64(h), 10)},
				},
			}))
			if err != nil {
				c.debug.Printf("error answering ack request: %v", err)
			}
		}()
	case "a":
		var h uint64
		for _, attr := range start.Attr {
			if attr.Name.Local == "h" {
				var err error
				h, err = strconv.ParseUint(attr.Value, 10, 32)
				if err != nil {
					c.debug.Printf("bad counter in ack: %v", err)
				}
				break
			}
		}
		select {
		case c.ackCh <- uint32(h):
		default:
		}
		c.handler(event.AckReceived{Handled: uint32(h)})
	case "enabled":
		outcome := smOutcome{}
		for _, attr := range start.Attr {
			if attr.Name.Local == "id" {
				outcome.id = attr.Value
				break
			}
		}
		select {
		case c.smCh <- outcome:
		default:
		}
	case "resumed":
		select {
		case c.smCh <- smOutcome{resumed: true}:
		default:
		}
	case "failed":
		select {
		case c.smCh <- smOutcome{failed: true}:
		default:
		}
	default:
		c.debug.Printf("unexpected stream management nonza: %v", start.Name.Local)
	}
	return nil
}

// isStanza reports whether the top level element is a message, presence, or
// iq in one of the standard client or server namespaces.
func isStanza(name xml.Name) bool {
	switch name.Local {
	case "message", "presence", "iq":
	default:
		return false
	}
	switch name.Space {
	case "", stanza.NSClient, stanza.NSServer:
		return true
	}
	return false
}
