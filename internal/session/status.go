// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"sync"
)

// subscribers is a listener list for the status projection.
// Listeners are only notified when the projection changes, so subscribers
// can treat every call as meaningful without equality checks of their own.
type subscribers struct {
	mu   sync.Mutex
	subs map[int]func(Status)
	next int
	cur  Status
}

func (l *subscribers) init() {
	l.subs = make(map[int]func(Status))
}

func (l *subscribers) add(f func(Status)) func() {
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = f
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

func (l *subscribers) last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

func (l *subscribers) publish(st Status) {
	l.mu.Lock()
	if st == l.cur {
		l.mu.Unlock()
		return
	}
	l.cur = st
	fns := make([]func(Status), 0, len(l.subs))
	for _, f := range l.subs {
		fns = append(fns, f)
	}
	l.mu.Unlock()
	for _, f := range fns {
		f(st)
	}
}
