// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package session orchestrates the connection and presence lifecycle.
//
// The orchestrator owns the only event queue through which lifecycle
// transitions are processed: transport callbacks, platform signals, user
// actions, and timers all enqueue events that a single goroutine feeds
// through the pure connstate and presence machines, then executes whatever
// effects the machines emit.
// Network calls never run on the event-processing goroutine; their
// completions re-enter the queue as ordinary events.
package session // import "mellium.im/courier/internal/session"

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log"
	"net"
	"syscall"
	"time"

	"mellium.im/courier/internal/client/event"
	"mellium.im/courier/internal/connstate"
	"mellium.im/courier/internal/presence"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/stanza"
)

// Credentials are opaque stream-management resumption credentials: the
// stream id assigned by the server and the count of stanzas we have handled
// inbound.
// They are the sole input that distinguishes an attempted resumption from a
// fresh connect.
type Credentials struct {
	ID      string
	Inbound uint32
}

// Transport is the stanza-transport collaborator the orchestrator drives.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect dials and negotiates a session, attempting stream-management
	// resumption when creds is non-nil.
	// It reports whether the server resumed the previous session.
	Connect(ctx context.Context, creds *Credentials) (resumed bool, err error)
	// Send encodes an element to the output stream.
	Send(ctx context.Context, r xml.TokenReader) error
	// RequestAck asks the server for a stream-management acknowledgement.
	// The acknowledgement itself arrives asynchronously as an
	// event.AckReceived.
	RequestAck(ctx context.Context) error
	// Credentials returns the current resumption credentials, or nil if
	// stream management was not negotiated.
	Credentials() *Credentials
	// Offline closes the session.
	Offline() error
}

// CredStore persists resumption credentials across runs.
type CredStore interface {
	LoadCredentials(ctx context.Context) (*Credentials, error)
	SaveCredentials(ctx context.Context, creds *Credentials) error
}

// Status is the externally visible projection of the session state.
// Subscribers are only notified when the projection actually changes.
type Status struct {
	Conn      connstate.Status
	Attempt   uint32
	NextDelay time.Duration
	Target    time.Time
	Err       string
	Available bool
	Mode      presence.Mode
}

// Option is used to configure a session.
type Option func(*Session)

// Backoff sets the reconnection backoff configuration.
func Backoff(cfg connstate.Config) Option {
	return func(s *Session) {
		s.cfg = cfg.Sane()
	}
}

// VerifyTimeout sets how long the connection health probe waits for an
// acknowledgement before declaring the connection dead.
func VerifyTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.verifyTimeout = d
		}
	}
}

// Logger sets the user-facing and debug loggers.
func Logger(logger, debug *log.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
		if debug != nil {
			s.debug = debug
		}
	}
}

// Creds sets the store used to load and persist resumption credentials.
func Creds(cs CredStore) Option {
	return func(s *Session) {
		s.creds = cs
	}
}

// Session drives a Transport through the connection and presence lifecycle.
type Session struct {
	transport     Transport
	creds         CredStore
	cfg           connstate.Config
	verifyTimeout time.Duration
	logger        *log.Logger
	debug         *log.Logger

	queue  chan func()
	done   chan struct{}
	presCh chan presenceSend

	// Owned by the Run goroutine.
	connState  connstate.State
	connCtx    connstate.Context
	presState  presence.State
	presCtx    presence.Context
	retryTimer *time.Timer
	probeTimer *time.Timer
	dialCancel context.CancelFunc
	fresh      bool
	onOnline   []func(fresh bool)
	onOffline  []func()

	subs subscribers
}

// New creates a session orchestrator for the provided transport.
// The session does nothing until Run is called.
func New(t Transport, opts ...Option) *Session {
	s := &Session{
		transport:     t,
		cfg:           connstate.Config{}.Sane(),
		verifyTimeout: 15 * time.Second,
		logger:        log.New(io.Discard, "", 0),
		debug:         log.New(io.Discard, "", 0),
		queue:         make(chan func(), 64),
		done:          make(chan struct{}),
		presCh:        make(chan presenceSend, 1),
	}
	s.subs.init()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes events until ctx is cancelled.
// It must be called exactly once; every other method may be called from any
// goroutine.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	go s.presenceWorker(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopTimer(&s.retryTimer)
			s.stopTimer(&s.probeTimer)
			if s.dialCancel != nil {
				s.dialCancel()
			}
			if s.connState.Connected() {
				if err := s.transport.Offline(); err != nil {
					s.debug.Printf("error closing transport: %v", err)
				}
			}
			return ctx.Err()
		case fn := <-s.queue:
			fn()
		}
	}
}

func (s *Session) enqueue(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.done:
	}
}

// Connect requests a connection.
// From a terminal error state this first routes back through idle, so a
// user-initiated connect always works no matter how the last session ended.
func (s *Session) Connect() {
	s.enqueue(func() {
		if s.connState.Terminal() {
			s.dispatchConn(connstate.Event{Type: connstate.Connect})
		}
		s.dispatchConn(connstate.Event{Type: connstate.Connect})
	})
}

// Disconnect requests a user-initiated disconnect.
func (s *Session) Disconnect() {
	s.enqueue(func() {
		s.dispatchConn(connstate.Event{Type: connstate.Disconnect})
	})
}

// SetPresence records and, if connected, broadcasts an explicit availability
// choice.
func (s *Session) SetPresence(mode presence.Mode, status string) {
	at := time.Now()
	s.enqueue(func() {
		s.dispatchPres(presence.Event{Type: presence.SetPresence, Mode: mode, Status: status, At: at})
	})
}

// Wake reports that the platform woke from sleep.
// A sleep longer than the server's resumption window reconnects immediately;
// shorter or unknown sleeps probe the connection first.
func (s *Session) Wake(slept time.Duration) {
	at := time.Now()
	s.enqueue(func() {
		s.dispatchConn(connstate.Event{Type: connstate.Wake, SleepDuration: slept})
		s.dispatchPres(presence.Event{Type: presence.WakeDetected, At: at})
	})
}

// Sleep reports that the platform is about to sleep.
func (s *Session) Sleep() {
	at := time.Now()
	s.enqueue(func() {
		s.dispatchPres(presence.Event{Type: presence.SleepDetected, At: at})
	})
}

// Idle reports that the user has been idle since the given time.
func (s *Session) Idle(since time.Time) {
	s.enqueue(func() {
		s.dispatchPres(presence.Event{Type: presence.IdleDetected, At: since})
	})
}

// Active reports user activity after an idle period.
func (s *Session) Active() {
	at := time.Now()
	s.enqueue(func() {
		s.dispatchPres(presence.Event{Type: presence.ActivityDetected, At: at})
	})
}

// Visible reports that the application became visible.
func (s *Session) Visible() {
	s.enqueue(func() {
		s.dispatchConn(connstate.Event{Type: connstate.Visible})
	})
}

// Hidden reports that the application was hidden.
// Nothing reacts to it today; it exists so that the platform boundary stays
// symmetrical with Visible.
func (s *Session) Hidden() {
	s.debug.Printf("application hidden")
}

// OnOnline registers a hook invoked (on its own goroutine) every time a
// session comes up.
// The hook receives false when the session was resumed rather than freshly
// negotiated.
// It must be called before Run.
func (s *Session) OnOnline(f func(fresh bool)) {
	s.onOnline = append(s.onOnline, f)
}

// OnOffline registers a hook invoked every time an established session is
// lost, whether by error or user action.
// It must be called before Run.
func (s *Session) OnOffline(f func()) {
	s.onOffline = append(s.onOffline, f)
}

// Subscribe registers f to be called whenever the status projection changes.
// It returns a function that removes the subscription.
//
// Callbacks run synchronously on the session's event loop: a callback that
// blocks stalls the session, and one that calls back into the session must
// not wait for the resulting work to complete.
func (s *Session) Subscribe(f func(Status)) func() {
	return s.subs.add(f)
}

// Status returns the current status projection.
func (s *Session) Status() Status {
	return s.subs.last()
}

// Online reports whether the connection is currently believed healthy.
func (s *Session) Online() bool {
	return s.subs.last().Conn == connstate.StatusOnline
}

// HandleTransportEvent feeds transport lifecycle events into the session.
// It is intended to be wired into the client's event handler fan-out.
func (s *Session) HandleTransportEvent(ev interface{}) {
	switch e := ev.(type) {
	case event.SessionStarted:
		s.debug.Printf("session started (resumed=%t)", e.Resumed)
	case event.SessionEnded:
		s.enqueue(func() { s.sessionEnded(e.Err) })
	case event.AckReceived:
		s.enqueue(func() {
			if s.connState != connstate.ConnectedVerifying {
				return
			}
			s.stopTimer(&s.probeTimer)
			s.dispatchConn(connstate.Event{Type: connstate.VerifySuccess})
		})
	}
}

// NoteError reports an error from an outgoing call.
// If the error indicates that the socket is gone and the machine is not
// already reconnecting (or manually disconnected), a single SocketDied event
// is raised; the state machine itself is the idempotency guard, so
// concurrent calls failing at the same time collapse into at most one
// reconnect.
func (s *Session) NoteError(err error) {
	if !IsDeadSocket(err) {
		return
	}
	s.enqueue(func() {
		if !s.connState.Connected() {
			return
		}
		s.dispatchConn(connstate.Event{Type: connstate.SocketDied, Reason: err.Error()})
	})
}

// Do runs fn and routes any failure through NoteError, so that every
// outgoing call shares the dead-socket detection path.
func (s *Session) Do(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err != nil {
		s.NoteError(err)
	}
	return err
}

// IsDeadSocket reports whether err means the underlying socket is gone and a
// reconnect is worthwhile.
// The set is deliberately explicit: closed connections, closed pipes, EOF,
// broken pipes, connection resets, and timeouts are retryable; everything
// else (including authentication and conflict errors) is not.
func IsDeadSocket(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Session) sessionEnded(err error) {
	if !s.connState.Connected() {
		// Already reconnecting or manually disconnected; the serve loop
		// winding down is expected.
		s.debug.Printf("session ended while %v: %v", s.connState, err)
		return
	}
	s.dispatchConn(classifyConnError(err))
}

func classifyConnError(err error) connstate.Event {
	var reason string
	if err != nil {
		reason = err.Error()
	}
	switch {
	case errors.Is(err, sasl.ErrAuthn):
		return connstate.Event{Type: connstate.AuthError, Reason: reason}
	case isConflict(err):
		return connstate.Event{Type: connstate.Conflict, Reason: reason}
	case err == nil || IsDeadSocket(err):
		return connstate.Event{Type: connstate.SocketDied, Reason: reason}
	}
	return connstate.Event{Type: connstate.ConnectionError, Reason: reason}
}

func isConflict(err error) bool {
	var se stanza.Error
	return errors.As(err, &se) && se.Condition == stanza.Conflict
}

// dispatchConn runs a connection machine transition and executes its
// effects. It must only be called from the Run goroutine.
func (s *Session) dispatchConn(ev connstate.Event) {
	prev := s.connState
	st, c, effects := connstate.Transition(s.connState, s.connCtx, ev, time.Now(), s.cfg)
	s.connState, s.connCtx = st, c
	if prev != st {
		s.debug.Printf("connection %v → %v", prev, st)
	}
	for _, eff := range effects {
		s.apply(eff)
	}

	if !prev.Connected() && st == connstate.ConnectedHealthy {
		s.cameOnline()
	}
	if prev.Connected() && !st.Connected() {
		s.wentOffline()
	}
	s.publish()
}

func (s *Session) dispatchPres(ev presence.Event) {
	st, c, effects := presence.Transition(s.presState, s.presCtx, ev)
	s.presState, s.presCtx = st, c
	for _, eff := range effects {
		if eff == presence.EffectSendPresence {
			s.queuePresence(st.Mode, c.Status)
		}
	}
	s.publish()
}

type presenceSend struct {
	mode   presence.Mode
	status string
}

// queuePresence hands a presence broadcast to the presence worker without
// blocking the event loop. The channel holds one pending send; a newer
// broadcast replaces an older one that has not gone out yet, so the wire
// order matches the machine's last-write-wins state. Only the event loop
// goroutine enqueues, which keeps the drain-and-replace race free.
func (s *Session) queuePresence(mode presence.Mode, status string) {
	req := presenceSend{mode: mode, status: status}
	select {
	case s.presCh <- req:
		return
	default:
	}
	select {
	case <-s.presCh:
	default:
	}
	select {
	case s.presCh <- req:
	default:
	}
}

func (s *Session) presenceWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.presCh:
			s.sendPresence(req.mode, req.status)
		}
	}
}

func (s *Session) apply(eff connstate.Effect) {
	switch eff {
	case connstate.EffectDial:
		s.startDial()
	case connstate.EffectScheduleRetry:
		s.stopTimer(&s.retryTimer)
		s.retryTimer = time.AfterFunc(s.connCtx.NextDelay, func() {
			s.enqueue(func() {
				// The timer may fire after the waiting state was already
				// left; the state guard makes the late event a no-op.
				if s.connState == connstate.ReconnectWaiting {
					s.dispatchConn(connstate.Event{Type: connstate.TriggerReconnect})
				}
			})
		})
	case connstate.EffectCancelRetry:
		s.stopTimer(&s.retryTimer)
	case connstate.EffectVerify:
		s.startVerify()
	case connstate.EffectTeardown:
		if s.dialCancel != nil {
			s.dialCancel()
		}
		go func() {
			if err := s.transport.Offline(); err != nil {
				s.debug.Printf("error closing transport: %v", err)
			}
		}()
	}
}

func (s *Session) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Session) startDial() {
	// Fresh vs resumed is unknown until the server answers.
	s.fresh = false
	if s.dialCancel != nil {
		s.dialCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel

	go func() {
		var creds *Credentials
		if s.creds != nil {
			var err error
			creds, err = s.creds.LoadCredentials(ctx)
			if err != nil {
				s.debug.Printf("error loading resumption credentials: %v", err)
			}
		}
		resumed, err := s.transport.Connect(ctx, creds)
		s.enqueue(func() {
			if !s.connState.Reconnecting() && s.connState != connstate.Connecting {
				// The user disconnected while the dial was in flight; the
				// result is stale.
				if err == nil {
					go func() {
						if err := s.transport.Offline(); err != nil {
							s.debug.Printf("error closing stale connection: %v", err)
						}
					}()
				}
				return
			}
			if err != nil {
				s.logger.Printf("connection failed: %v", err)
				s.dispatchConn(classifyDialError(err))
				return
			}
			s.fresh = !resumed
			s.dispatchConn(connstate.Event{Type: connstate.ConnectionSuccess})
		})
	}()
}

func classifyDialError(err error) connstate.Event {
	var reason string
	if err != nil {
		reason = err.Error()
	}
	switch {
	case errors.Is(err, sasl.ErrAuthn):
		return connstate.Event{Type: connstate.AuthError, Reason: reason}
	case isConflict(err):
		return connstate.Event{Type: connstate.Conflict, Reason: reason}
	}
	return connstate.Event{Type: connstate.ConnectionError, Reason: reason}
}

func (s *Session) cameOnline() {
	fresh := s.fresh
	s.dispatchPres(presence.Event{Type: presence.Connect, At: time.Now()})
	if s.creds != nil {
		go s.saveCreds()
	}
	for _, f := range s.onOnline {
		go f(fresh)
	}
}

func (s *Session) wentOffline() {
	s.stopTimer(&s.probeTimer)
	s.dispatchPres(presence.Event{Type: presence.Disconnect, At: time.Now()})
	if s.creds != nil {
		go s.saveCreds()
	}
	for _, f := range s.onOffline {
		go f()
	}
}

func (s *Session) saveCreds() {
	creds := s.transport.Credentials()
	if creds == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.creds.SaveCredentials(ctx, creds); err != nil {
		s.debug.Printf("error saving resumption credentials: %v", err)
	}
}

// startVerify probes connection liveness by racing a stream-management
// acknowledgement request against a timeout.
// Neither leg ever blocks the event loop; both resolve through the queue.
func (s *Session) startVerify() {
	s.stopTimer(&s.probeTimer)
	s.probeTimer = time.AfterFunc(s.verifyTimeout, func() {
		s.enqueue(func() {
			if s.connState != connstate.ConnectedVerifying {
				return
			}
			s.dispatchConn(connstate.Event{Type: connstate.VerifyFailed, Reason: "connection verification timed out"})
		})
	})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.verifyTimeout)
		defer cancel()
		if err := s.transport.RequestAck(ctx); err != nil {
			s.enqueue(func() {
				if s.connState != connstate.ConnectedVerifying {
					return
				}
				s.stopTimer(&s.probeTimer)
				s.dispatchConn(connstate.Event{Type: connstate.VerifyFailed, Reason: err.Error()})
			})
		}
	}()
}

func (s *Session) sendPresence(mode presence.Mode, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var payload xml.TokenReader = xmlstream.Token(nil)
	if show := mode.Show(); show != "" {
		payload = xmlstream.Wrap(
			xmlstream.Token(xml.CharData(show)),
			xml.StartElement{Name: xml.Name{Local: "show"}},
		)
	}
	if status != "" {
		payload = xmlstream.MultiReader(payload, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(status)),
			xml.StartElement{Name: xml.Name{Local: "status"}},
		))
	}
	err := s.Do(ctx, func(ctx context.Context) error {
		return s.transport.Send(ctx, stanza.Presence{Type: stanza.AvailablePresence}.Wrap(payload))
	})
	if err != nil {
		s.logger.Printf("error sending presence: %v", err)
	}
}

func (s *Session) publish() {
	st := Status{
		Conn:      s.connState.Status(),
		Attempt:   s.connCtx.Attempt,
		NextDelay: s.connCtx.NextDelay,
		Target:    s.connCtx.Target,
		Err:       s.connCtx.LastError,
		Available: s.presState.Connected,
		Mode:      s.presState.Mode,
	}
	s.subs.publish(st)
}
