// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package connstate implements the connection lifecycle as a pure state
// machine.
//
// The machine performs no I/O of its own: Transition maps the current state,
// its context, and a single event to a new state, a new context, and a list
// of effects that the caller is expected to execute (dialing, scheduling or
// cancelling retry timers, probing the connection).
// Processing events one at a time through Transition is what guarantees that
// lifecycle decisions never race, no matter how many goroutines originate
// them.
package connstate // import "mellium.im/courier/internal/connstate"

import (
	"math"
	"time"
)

// State is a single position in the connection lifecycle.
//
// The Connected and Reconnecting methods expose the two state groups that
// share event routing: events valid from any connected substate are accepted
// by both ConnectedHealthy and ConnectedVerifying, and likewise for the two
// reconnect substates.
type State int

const (
	// Idle is the initial state: no connection attempted yet.
	Idle State = iota
	// Connecting is a user-initiated first connection attempt in flight.
	Connecting
	// ConnectedHealthy is an established session believed to be alive.
	ConnectedHealthy
	// ConnectedVerifying is an established session whose liveness is being
	// probed after an ambiguous wake or focus signal.
	ConnectedVerifying
	// ReconnectWaiting is waiting out the backoff delay before the next
	// reconnection attempt.
	ReconnectWaiting
	// ReconnectAttempting is a reconnection attempt in flight.
	ReconnectAttempting
	// ConflictError is a terminal state entered when the server replaced this
	// session with another resource.
	ConflictError
	// AuthFailed is a terminal state entered on authentication failure.
	AuthFailed
	// MaxRetries is a terminal state entered when a configured attempt limit
	// was exhausted.
	MaxRetries
	// InitialFailure is a terminal state entered when the very first
	// connection attempt fails; first attempts never auto-retry.
	InitialFailure
	// Disconnected is reached by a user-initiated disconnect.
	Disconnected
)

// Connected reports whether s is one of the connected substates.
func (s State) Connected() bool {
	return s == ConnectedHealthy || s == ConnectedVerifying
}

// Reconnecting reports whether s is one of the reconnecting substates.
func (s State) Reconnecting() bool {
	return s == ReconnectWaiting || s == ReconnectAttempting
}

// Terminal reports whether s only accepts a user-initiated connect event.
func (s State) Terminal() bool {
	switch s {
	case ConflictError, AuthFailed, MaxRetries, InitialFailure:
		return true
	}
	return false
}

// String returns the name of the state for logging.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case ConnectedHealthy:
		return "connected:healthy"
	case ConnectedVerifying:
		return "connected:verifying"
	case ReconnectWaiting:
		return "reconnecting:waiting"
	case ReconnectAttempting:
		return "reconnecting:attempting"
	case ConflictError:
		return "error:conflict"
	case AuthFailed:
		return "error:auth"
	case MaxRetries:
		return "error:maxretries"
	case InitialFailure:
		return "error:initial"
	case Disconnected:
		return "disconnected"
	}
	return "invalid"
}

// Status is the coarse user-facing projection of a State.
type Status string

// The possible values of the user-facing status projection.
const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusOnline       Status = "online"
	StatusVerifying    Status = "verifying"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusOffline      Status = "disconnected"
)

// Status maps the state onto its user-facing projection.
func (s State) Status() Status {
	switch s {
	case Idle:
		return StatusIdle
	case Connecting:
		return StatusConnecting
	case ConnectedHealthy:
		return StatusOnline
	case ConnectedVerifying:
		return StatusVerifying
	case ReconnectWaiting, ReconnectAttempting:
		return StatusReconnecting
	case Disconnected:
		return StatusOffline
	}
	return StatusError
}

// Context is the mutable data carried alongside the state.
//
// Attempt is 1-based while reconnecting and zero everywhere else; it is reset
// on every transition into ConnectedHealthy, Idle, or Disconnected.
type Context struct {
	// Attempt is the 1-based reconnection attempt number, saturating at the
	// configured ceiling so that displayed attempt numbers and delays
	// stabilize instead of growing forever.
	Attempt uint32
	// NextDelay is the backoff delay before the next attempt.
	NextDelay time.Duration
	// Target is the absolute time the next attempt fires, or the zero time
	// when no attempt is scheduled.
	Target time.Time
	// LastError is the most recent connection error, kept across states for
	// display.
	LastError string
}

// EventType enumerates the inputs accepted by the machine.
type EventType int

// The events accepted by Transition.
const (
	Connect EventType = iota
	Disconnect
	ConnectionSuccess
	ConnectionError
	SocketDied
	Wake
	Visible
	VerifySuccess
	VerifyFailed
	Conflict
	AuthError
	CancelReconnect
	TriggerReconnect
)

// Event is a single input to the machine.
type Event struct {
	Type EventType
	// Reason carries the error text for ConnectionError, Conflict, and
	// AuthError events.
	Reason string
	// SleepDuration is how long the machine slept before a Wake event; zero
	// means unknown and is treated as a short sleep.
	SleepDuration time.Duration
}

// Effect is an instruction for the caller to execute after a transition.
type Effect int

// The effects that Transition may emit.
const (
	// EffectDial opens a new connection (or resumption) attempt.
	EffectDial Effect = iota
	// EffectScheduleRetry starts a timer for Context.NextDelay that feeds a
	// TriggerReconnect event back into the machine when it fires.
	EffectScheduleRetry
	// EffectCancelRetry stops a previously scheduled retry timer.
	EffectCancelRetry
	// EffectVerify starts the connection health probe.
	EffectVerify
	// EffectTeardown closes the underlying transport.
	EffectTeardown
)

// Config holds the backoff tuning knobs.
type Config struct {
	// InitialDelay is the delay before the first reconnection attempt.
	InitialDelay time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// AttemptCeiling saturates the attempt counter; retries continue past the
	// ceiling but the attempt number and delay stop growing.
	AttemptCeiling uint32
	// MaxAttempts, when nonzero, makes reconnection give up with the
	// MaxRetries terminal state after that many failed attempts.
	MaxAttempts uint32
	// ResumeTimeout is the server's session resumption window; waking from a
	// sleep longer than this goes straight to reconnecting instead of
	// probing.
	ResumeTimeout time.Duration
}

// Sane fills zero fields of the config with usable defaults.
func (cfg Config) Sane() Config {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.AttemptCeiling == 0 {
		cfg.AttemptCeiling = 10
	}
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = 5 * time.Minute
	}
	return cfg
}

// Delay computes the backoff delay for the given 1-based attempt number.
// It is monotonically non-decreasing in attempt and bounded by MaxDelay;
// Delay(1) is always InitialDelay.
func (cfg Config) Delay(attempt uint32) time.Duration {
	cfg = cfg.Sane()
	if attempt < 1 {
		attempt = 1
	}
	if attempt > cfg.AttemptCeiling {
		attempt = cfg.AttemptCeiling
	}
	d := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1)))
	if d <= 0 || d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

func reset(c Context) Context {
	return Context{LastError: c.LastError}
}

func enterReconnect(c Context, now time.Time, cfg Config) (State, Context, []Effect) {
	c.Attempt = 1
	c.NextDelay = cfg.Delay(1)
	c.Target = now.Add(c.NextDelay)
	return ReconnectWaiting, c, []Effect{EffectScheduleRetry}
}

func nextAttempt(c Context, now time.Time, cfg Config) (State, Context, []Effect) {
	cfg = cfg.Sane()
	if cfg.MaxAttempts > 0 && c.Attempt >= cfg.MaxAttempts {
		c = reset(c)
		return MaxRetries, c, []Effect{EffectCancelRetry}
	}
	if c.Attempt < cfg.AttemptCeiling {
		c.Attempt++
	}
	c.NextDelay = cfg.Delay(c.Attempt)
	c.Target = now.Add(c.NextDelay)
	return ReconnectWaiting, c, []Effect{EffectScheduleRetry}
}

// Transition applies a single event to the machine.
// It never blocks and never performs I/O; the returned effects must be
// executed by the caller in order.
// Events that are not valid for the current state leave the state unchanged
// (the context may still record the error reason).
func Transition(s State, c Context, ev Event, now time.Time, cfg Config) (State, Context, []Effect) {
	cfg = cfg.Sane()
	if ev.Reason != "" {
		switch ev.Type {
		case ConnectionError, Conflict, AuthError, SocketDied:
			c.LastError = ev.Reason
		}
	}

	// Fatal server decisions win from any connected or reconnecting state.
	if s.Connected() || s.Reconnecting() || s == Connecting {
		switch ev.Type {
		case Conflict:
			return ConflictError, reset(c), []Effect{EffectCancelRetry, EffectTeardown}
		case AuthError:
			return AuthFailed, reset(c), []Effect{EffectCancelRetry, EffectTeardown}
		}
	}

	if s.Terminal() {
		// Only an explicit connect escapes a terminal state, and it routes
		// back to Idle rather than dialing directly.
		if ev.Type == Connect {
			return Idle, reset(c), nil
		}
		return s, c, nil
	}

	switch s {
	case Idle, Disconnected:
		if ev.Type == Connect {
			return Connecting, reset(c), []Effect{EffectDial}
		}

	case Connecting:
		switch ev.Type {
		case ConnectionSuccess:
			return ConnectedHealthy, reset(c), nil
		case ConnectionError, SocketDied:
			// The very first attempt never auto-retries.
			return InitialFailure, c, []Effect{EffectTeardown}
		case Disconnect:
			return Disconnected, reset(c), []Effect{EffectTeardown}
		}

	case ConnectedHealthy:
		switch ev.Type {
		case SocketDied, ConnectionError:
			return enterReconnect(c, now, cfg)
		case Wake:
			if ev.SleepDuration > cfg.ResumeTimeout {
				// The server has long since dropped the session; probing
				// would only delay the inevitable.
				return enterReconnect(c, now, cfg)
			}
			return ConnectedVerifying, c, []Effect{EffectVerify}
		case Visible:
			return ConnectedVerifying, c, []Effect{EffectVerify}
		case Disconnect:
			return Disconnected, reset(c), []Effect{EffectTeardown}
		}

	case ConnectedVerifying:
		switch ev.Type {
		case VerifySuccess:
			return ConnectedHealthy, reset(c), nil
		case VerifyFailed, SocketDied, ConnectionError:
			return enterReconnect(c, now, cfg)
		case Wake:
			if ev.SleepDuration > cfg.ResumeTimeout {
				return enterReconnect(c, now, cfg)
			}
			// A probe is already in flight.
		case Disconnect:
			return Disconnected, reset(c), []Effect{EffectTeardown}
		}

	case ReconnectWaiting:
		switch ev.Type {
		case TriggerReconnect, Wake, Visible, Connect:
			// Platform signals and the user preempt the backoff timer.
			c.Target = time.Time{}
			return ReconnectAttempting, c, []Effect{EffectCancelRetry, EffectDial}
		case Disconnect, CancelReconnect:
			return Disconnected, reset(c), []Effect{EffectCancelRetry}
		}

	case ReconnectAttempting:
		switch ev.Type {
		case ConnectionSuccess:
			return ConnectedHealthy, reset(c), nil
		case ConnectionError, SocketDied:
			return nextAttempt(c, now, cfg)
		case Disconnect, CancelReconnect:
			return Disconnected, reset(c), nil
		}
	}

	return s, c, nil
}
