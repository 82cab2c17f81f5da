// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package presence_test

import (
	"strconv"
	"testing"
	"time"

	"mellium.im/courier/internal/presence"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var transitionTestCases = [...]struct {
	events    []presence.Event
	connected bool
	mode      presence.Mode
	pref      presence.Mode
	effects   int
}{
	0: {
		events:    []presence.Event{{Type: presence.Connect}},
		connected: true,
		mode:      presence.Online,
		effects:   1,
	},
	1: {
		events: []presence.Event{
			{Type: presence.Connect},
			{Type: presence.SetPresence, Mode: presence.Busy, At: base},
		},
		connected: true,
		mode:      presence.Busy,
		pref:      presence.Busy,
		effects:   1,
	},
	2: {
		// The preference survives a disconnect and is restored verbatim.
		events: []presence.Event{
			{Type: presence.Connect},
			{Type: presence.SetPresence, Mode: presence.Away, At: base},
			{Type: presence.Disconnect},
			{Type: presence.Connect},
		},
		connected: true,
		mode:      presence.Away,
		pref:      presence.Away,
		effects:   1,
	},
	3: {
		events: []presence.Event{
			{Type: presence.Connect},
			{Type: presence.IdleDetected, At: base},
		},
		connected: true,
		mode:      presence.Away,
		pref:      presence.Online,
		effects:   1,
	},
	4: {
		// Activity restores the preference after auto-away.
		events: []presence.Event{
			{Type: presence.Connect},
			{Type: presence.IdleDetected, At: base},
			{Type: presence.ActivityDetected, At: base.Add(time.Minute)},
		},
		connected: true,
		mode:      presence.Online,
		effects:   1,
	},
	5: {
		// An idle signal older than an explicit choice never overrides it.
		events: []presence.Event{
			{Type: presence.Connect},
			{Type: presence.SetPresence, Mode: presence.Busy, At: base.Add(time.Minute)},
			{Type: presence.IdleDetected, At: base},
		},
		connected: true,
		mode:      presence.Busy,
		pref:      presence.Busy,
		effects:   0,
	},
	6: {
		// Auto-away never overrides busy.
		events: []presence.Event{
			{Type: presence.Connect},
			{Type: presence.SetPresence, Mode: presence.Busy, At: base},
			{Type: presence.IdleDetected, At: base.Add(time.Minute)},
		},
		connected: true,
		mode:      presence.Busy,
		pref:      presence.Busy,
		effects:   0,
	},
	7: {
		// Sleep and wake behave like idle and activity.
		events: []presence.Event{
			{Type: presence.Connect},
			{Type: presence.SleepDetected, At: base},
			{Type: presence.WakeDetected, At: base.Add(time.Hour)},
		},
		connected: true,
		mode:      presence.Online,
		effects:   1,
	},
	8: {
		// Choosing presence while disconnected applies on the next connect.
		events: []presence.Event{
			{Type: presence.SetPresence, Mode: presence.ExtendedAway, At: base},
			{Type: presence.Connect},
		},
		connected: true,
		mode:      presence.ExtendedAway,
		pref:      presence.ExtendedAway,
		effects:   1,
	},
	9: {
		events:    []presence.Event{{Type: presence.IdleDetected, At: base}},
		connected: false,
		effects:   0,
	},
}

func TestTransition(t *testing.T) {
	for i, tc := range transitionTestCases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			var s presence.State
			var c presence.Context
			var effects []presence.Effect
			for _, ev := range tc.events {
				s, c, effects = presence.Transition(s, c, ev)
			}
			if s.Connected != tc.connected {
				t.Errorf("wrong connected: want=%t, got=%t", tc.connected, s.Connected)
			}
			if s.Connected && s.Mode != tc.mode {
				t.Errorf("wrong mode: want=%v, got=%v", tc.mode, s.Mode)
			}
			if c.Preference != tc.pref {
				t.Errorf("wrong preference: want=%v, got=%v", tc.pref, c.Preference)
			}
			if len(effects) != tc.effects {
				t.Errorf("wrong effect count from final event: want=%d, got=%d", tc.effects, len(effects))
			}
		})
	}
}

func TestShowRoundTrip(t *testing.T) {
	for _, m := range []presence.Mode{presence.Online, presence.Away, presence.ExtendedAway, presence.Busy} {
		if got := presence.ParseMode(m.Show()); got != m {
			t.Errorf("mode did not round trip: want=%v, got=%v", m, got)
		}
	}
}
