// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session_test

import (
	"context"
	"encoding/xml"
	"net"
	"sync"
	"testing"
	"time"

	"mellium.im/courier/internal/client/event"
	"mellium.im/courier/internal/connstate"
	"mellium.im/courier/internal/presence"
	"mellium.im/courier/internal/session"
	"mellium.im/sasl"
)

type fakeTransport struct {
	mu       sync.Mutex
	connects int
	resumed  bool
	dialErr  error
	block    chan struct{}
	acks     int
	creds    *session.Credentials
	lastCred *session.Credentials
}

func (t *fakeTransport) Connect(ctx context.Context, creds *session.Credentials) (bool, error) {
	t.mu.Lock()
	t.connects++
	t.lastCred = creds
	err := t.dialErr
	block := t.block
	resumed := t.resumed
	t.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err != nil {
		return false, err
	}
	return resumed, nil
}

func (t *fakeTransport) Send(ctx context.Context, r xml.TokenReader) error { return nil }

func (t *fakeTransport) RequestAck(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acks++
	return nil
}

func (t *fakeTransport) Credentials() *session.Credentials { return t.creds }
func (t *fakeTransport) Offline() error                    { return nil }

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) setDialErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

var backoff = connstate.Config{
	InitialDelay:   50 * time.Millisecond,
	Multiplier:     2,
	MaxDelay:       time.Second,
	AttemptCeiling: 5,
	ResumeTimeout:  5 * time.Minute,
}

func runSession(t *testing.T, tr session.Transport, opts ...session.Option) *session.Session {
	t.Helper()
	s := session.New(tr, append([]session.Option{session.Backoff(backoff)}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = s.Run(ctx)
	}()
	return s
}

func waitStatus(t *testing.T, s *session.Session, want connstate.Status) session.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := s.Status(); st.Conn == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %q, have %q", want, s.Status().Conn)
	return session.Status{}
}

func TestFreshSession(t *testing.T) {
	tr := &fakeTransport{}
	s := runSession(t, tr)
	done := make(chan bool, 1)
	s.OnOnline(func(fresh bool) { done <- fresh })

	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)
	select {
	case fresh := <-done:
		if !fresh {
			t.Error("fresh session reported as resumed")
		}
	case <-time.After(time.Second):
		t.Fatal("online hook never called")
	}
}

func TestResumedSession(t *testing.T) {
	tr := &fakeTransport{resumed: true}
	s := runSession(t, tr)
	done := make(chan bool, 1)
	s.OnOnline(func(fresh bool) { done <- fresh })
	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)
	select {
	case fresh := <-done:
		if fresh {
			t.Error("resumed session reported as fresh")
		}
	case <-time.After(time.Second):
		t.Fatal("online hook never called")
	}
}

func TestSocketDiedReconnects(t *testing.T) {
	tr := &fakeTransport{}
	s := runSession(t, tr)
	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)

	s.HandleTransportEvent(event.SessionEnded{Err: net.ErrClosed})
	st := waitStatus(t, s, connstate.StatusReconnecting)
	if st.Attempt != 1 {
		t.Errorf("wrong attempt: want=1, got=%d", st.Attempt)
	}
	if st.NextDelay != backoff.InitialDelay {
		t.Errorf("wrong delay: want=%v, got=%v", backoff.InitialDelay, st.NextDelay)
	}
	// The backoff timer advances waiting to attempting on its own, and the
	// fake transport lets the attempt succeed.
	waitStatus(t, s, connstate.StatusOnline)
	if got := tr.connectCount(); got != 2 {
		t.Errorf("wrong number of connection attempts: want=2, got=%d", got)
	}
}

func TestDeadSocketIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	s := runSession(t, tr)
	var mu sync.Mutex
	var count int
	s.OnOffline(func() {
		mu.Lock()
		count++
		mu.Unlock()
	})
	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)

	// Park subsequent dials so the session stays in reconnecting while we
	// observe it.
	block := make(chan struct{})
	tr.mu.Lock()
	tr.block = block
	tr.mu.Unlock()
	defer close(block)

	// Several concurrent sends all fail at once; the machine state guard
	// collapses them into a single reconnect.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoteError(net.ErrClosed)
		}()
	}
	wg.Wait()
	st := waitStatus(t, s, connstate.StatusReconnecting)
	if st.Attempt != 1 {
		t.Errorf("concurrent socket errors incremented attempt: %d", st.Attempt)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("offline hook called %d times, want 1", count)
	}
}

func TestVerifySuccess(t *testing.T) {
	tr := &fakeTransport{}
	s := runSession(t, tr)
	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)

	s.Wake(time.Second)
	waitStatus(t, s, connstate.StatusVerifying)
	s.HandleTransportEvent(event.AckReceived{Handled: 5})
	waitStatus(t, s, connstate.StatusOnline)
	if got := tr.connectCount(); got != 1 {
		t.Errorf("verify success should not reconnect: %d attempts", got)
	}
}

func TestVerifyTimeout(t *testing.T) {
	tr := &fakeTransport{}
	s := runSession(t, tr, session.VerifyTimeout(30*time.Millisecond))
	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)

	s.Wake(time.Second)
	// No ack ever arrives; the probe times out into reconnecting.
	waitStatus(t, s, connstate.StatusReconnecting)
}

func TestLongWakeSkipsVerify(t *testing.T) {
	tr := &fakeTransport{}
	s := runSession(t, tr)
	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)

	block := make(chan struct{})
	tr.mu.Lock()
	tr.block = block
	tr.mu.Unlock()
	defer close(block)

	s.Wake(backoff.ResumeTimeout + time.Millisecond)
	st := waitStatus(t, s, connstate.StatusReconnecting)
	if st.Attempt != 1 {
		t.Errorf("wrong attempt: want=1, got=%d", st.Attempt)
	}
	tr.mu.Lock()
	acks := tr.acks
	tr.mu.Unlock()
	if acks != 0 {
		t.Errorf("long wake should not probe the connection: %d acks", acks)
	}
}

func TestAuthErrorTerminal(t *testing.T) {
	tr := &fakeTransport{dialErr: sasl.ErrAuthn}
	s := runSession(t, tr)
	s.Connect()
	waitStatus(t, s, connstate.StatusError)
	// Only an explicit connect leaves the terminal state.
	s.Wake(time.Second)
	time.Sleep(20 * time.Millisecond)
	if st := s.Status(); st.Conn != connstate.StatusError {
		t.Fatalf("terminal state left without connect: %q", st.Conn)
	}
	tr.setDialErr(nil)
	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)
}

func TestInitialFailureDoesNotRetry(t *testing.T) {
	tr := &fakeTransport{dialErr: net.ErrClosed}
	s := runSession(t, tr)
	s.Connect()
	waitStatus(t, s, connstate.StatusError)
	time.Sleep(100 * time.Millisecond)
	if got := tr.connectCount(); got != 1 {
		t.Errorf("first failed attempt auto-retried: %d attempts", got)
	}
}

func TestPresenceRestoredOnReconnect(t *testing.T) {
	tr := &fakeTransport{}
	s := runSession(t, tr)
	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)
	s.SetPresence(presence.Busy, "in a meeting")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.Status().Mode != presence.Busy {
		time.Sleep(5 * time.Millisecond)
	}

	s.HandleTransportEvent(event.SessionEnded{Err: net.ErrClosed})
	waitStatus(t, s, connstate.StatusReconnecting)
	st := waitStatus(t, s, connstate.StatusOnline)
	if st.Mode != presence.Busy {
		t.Errorf("presence preference not restored: want=%v, got=%v", presence.Busy, st.Mode)
	}
}

func TestStatusNotifyOnChangeOnly(t *testing.T) {
	tr := &fakeTransport{}
	s := runSession(t, tr)
	var mu sync.Mutex
	var seen []session.Status
	cancel := s.Subscribe(func(st session.Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})
	defer cancel()

	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)
	// Hidden changes nothing and must not notify.
	s.Hidden()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i] == seen[i-1] {
			t.Fatalf("duplicate consecutive notification: %+v", seen[i])
		}
	}
}

func TestDoRaisesSocketDied(t *testing.T) {
	tr := &fakeTransport{}
	s := runSession(t, tr)
	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)

	// An outgoing call failing with a closed socket must trip the reconnect
	// machinery even though the serve loop never saw the stream end.
	err := s.Do(context.Background(), func(ctx context.Context) error {
		return net.ErrClosed
	})
	if err == nil {
		t.Fatal("expected the wrapped call's error back")
	}
	waitStatus(t, s, connstate.StatusReconnecting)
}

type presenceTransport struct {
	fakeTransport
	release chan struct{}
	shows   []string
}

func (t *presenceTransport) Send(ctx context.Context, r xml.TokenReader) error {
	if t.release != nil {
		select {
		case <-t.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var pres struct {
		XMLName xml.Name `xml:"presence"`
		Show    string   `xml:"show"`
	}
	if err := xml.NewTokenDecoder(r).Decode(&pres); err != nil {
		return err
	}
	t.mu.Lock()
	t.shows = append(t.shows, pres.Show)
	t.mu.Unlock()
	return nil
}

func TestPresenceSendsSerialized(t *testing.T) {
	release := make(chan struct{})
	tr := &presenceTransport{release: release}
	s := runSession(t, tr)
	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)

	// Hold the wire so both updates land while a send is still in flight;
	// the newer one must win and nothing may reach the wire out of order.
	s.SetPresence(presence.Away, "")
	s.SetPresence(presence.Busy, "")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.Status().Mode != presence.Busy {
		time.Sleep(5 * time.Millisecond)
	}
	close(release)

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		n := len(tr.shows)
		last := ""
		if n > 0 {
			last = tr.shows[n-1]
		}
		tr.mu.Unlock()
		if last == "dnd" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if n := len(tr.shows); n == 0 || tr.shows[n-1] != "dnd" {
		t.Fatalf("final presence on the wire is not the last one set: %q", tr.shows)
	}
	for i, show := range tr.shows {
		if show == "away" && i > 0 && tr.shows[i-1] == "dnd" {
			t.Fatalf("stale presence sent after a newer one: %q", tr.shows)
		}
	}
}

func TestCredentialsPassedToDial(t *testing.T) {
	tr := &fakeTransport{resumed: true}
	cs := &memCreds{creds: &session.Credentials{ID: "sm-1", Inbound: 5}}
	s := runSession(t, tr, session.Creds(cs))
	s.Connect()
	waitStatus(t, s, connstate.StatusOnline)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.lastCred == nil || tr.lastCred.ID != "sm-1" || tr.lastCred.Inbound != 5 {
		t.Errorf("wrong credentials passed to dial: %+v", tr.lastCred)
	}
}

type memCreds struct {
	mu    sync.Mutex
	creds *session.Credentials
}

func (m *memCreds) LoadCredentials(ctx context.Context) (*session.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, nil
}

func (m *memCreds) SaveCredentials(ctx context.Context, creds *session.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	return nil
}
