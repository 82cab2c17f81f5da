// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package presence implements the user availability lifecycle as a pure
// state machine.
//
// The machine mirrors the connection lifecycle at a coarser grain: the
// orchestrator forwards connect, disconnect, wake, and sleep transitions so
// that availability is never computed from a second, competing source of
// platform signals.
package presence // import "mellium.im/courier/internal/presence"

import (
	"time"
)

// Mode is a user availability mode.
type Mode int

// The availability modes, in the order of RFC 6121 "show" values.
const (
	Online Mode = iota
	Away
	ExtendedAway
	Busy
)

// Show returns the RFC 6121 presence show value for the mode.
// Online returns the empty string since available presence carries no show
// element.
func (m Mode) Show() string {
	switch m {
	case Away:
		return "away"
	case ExtendedAway:
		return "xa"
	case Busy:
		return "dnd"
	}
	return ""
}

// String returns the name of the mode for logging.
func (m Mode) String() string {
	if m == Online {
		return "online"
	}
	return m.Show()
}

// ParseMode maps a presence show value onto a Mode.
func ParseMode(show string) Mode {
	switch show {
	case "away":
		return Away
	case "xa":
		return ExtendedAway
	case "dnd":
		return Busy
	}
	return Online
}

// State is the current position in the availability lifecycle.
type State struct {
	// Connected reports whether presence is currently being broadcast at all.
	Connected bool
	// Mode is the availability mode; it is only meaningful while connected.
	Mode Mode
}

// Context is the mutable data carried alongside the state.
type Context struct {
	// Preference is the availability the user last explicitly chose.
	// It survives disconnects so that reconnecting restores the previous
	// mode instead of resetting to a default.
	Preference Mode
	// Status is the free-form status text accompanying the preference.
	Status string
	// ChosenAt is when the user made the explicit choice; idle signals older
	// than this never override it.
	ChosenAt time.Time
	// Auto reports whether the current mode was set by idle detection rather
	// than the user.
	Auto bool
}

// EventType enumerates the inputs accepted by the machine.
type EventType int

// The events accepted by Transition.
const (
	Connect EventType = iota
	Disconnect
	SetPresence
	IdleDetected
	ActivityDetected
	// WakeDetected and SleepDetected are forwarded from the session
	// orchestrator's own wake handling, never detected independently.
	WakeDetected
	SleepDetected
)

// Event is a single input to the machine.
type Event struct {
	Type EventType
	// Mode and Status are the requested availability for SetPresence.
	Mode   Mode
	Status string
	// At is when the event originated; for IdleDetected it is the time the
	// user went idle, not the time the signal was delivered.
	At time.Time
}

// Effect is an instruction for the caller to execute after a transition.
type Effect int

// The effects that Transition may emit.
const (
	// EffectSendPresence broadcasts the current mode and status text.
	EffectSendPresence Effect = iota
)

// Transition applies a single event to the machine.
func Transition(s State, c Context, ev Event) (State, Context, []Effect) {
	switch ev.Type {
	case Connect:
		// Restore whatever the user last chose rather than defaulting to
		// online.
		s.Connected = true
		s.Mode = c.Preference
		c.Auto = false
		return s, c, []Effect{EffectSendPresence}

	case Disconnect:
		s.Connected = false
		return s, c, nil

	case SetPresence:
		c.Preference = ev.Mode
		c.Status = ev.Status
		c.ChosenAt = ev.At
		c.Auto = false
		if !s.Connected {
			// Applied on the next connect.
			return s, c, nil
		}
		s.Mode = ev.Mode
		return s, c, []Effect{EffectSendPresence}

	case IdleDetected, SleepDetected:
		if !s.Connected || s.Mode != Online {
			// Never override an explicit away/busy choice with auto-away.
			return s, c, nil
		}
		if !ev.At.After(c.ChosenAt) {
			// The user made an explicit choice after going idle;
			// last-write-wins by event time, not delivery order.
			return s, c, nil
		}
		s.Mode = Away
		c.Auto = true
		return s, c, []Effect{EffectSendPresence}

	case ActivityDetected, WakeDetected:
		if !s.Connected || !c.Auto {
			return s, c, nil
		}
		s.Mode = c.Preference
		c.Auto = false
		return s, c, []Effect{EffectSendPresence}
	}
	return s, c, nil
}
