package typing

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pawpal/messaging/realtime"
)

// Set is the receiver-side view of who is typing in one thread.
//
// Start and stop events of a user are ordered by the sender's timestamp, so a
// late stop never cancels a newer start and a late start never revives a
// user who already stopped. Expiry is measured on the receiver's clock from
// the arrival of the newest start.
type Set struct {
	window time.Duration
	self   string

	mu      sync.Mutex
	typists map[string]*typist
	seq     uint64
}

type typist struct {
	startAt   time.Time // sender clock
	stopAt    time.Time // sender clock
	arrivedAt time.Time // receiver clock, newest start
	seenAt    time.Time // receiver clock, newest event
	order     uint64
}

// NewSet creates a Set. Events from self are ignored.
func NewSet(window time.Duration, self string) *Set {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Set{
		window:  window,
		self:    self,
		typists: make(map[string]*typist),
	}
}

// Observe applies a typing event that arrived at now. It reports whether the
// set of typing users changed.
func (s *Set) Observe(ev realtime.Event, now time.Time) bool {
	if ev.UserID == "" || ev.UserID == s.self {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)

	t, ok := s.typists[ev.UserID]
	if !ok {
		t = &typist{}
		s.typists[ev.UserID] = t
	}
	was := s.active(t, now)
	t.seenAt = now

	switch ev.Kind {
	case realtime.KindTypingStart:
		if ev.At.Before(t.stopAt) || ev.At.Before(t.startAt) {
			return false
		}
		t.startAt = ev.At
		t.arrivedAt = now
		if !was {
			s.seq++
			t.order = s.seq
		}
	case realtime.KindTypingStop:
		if ev.At.Before(t.startAt) {
			return false
		}
		t.stopAt = ev.At
	default:
		return false
	}
	return was != s.active(t, now)
}

// Typing returns the users typing at now, in the order they were first
// observed typing.
func (s *Set) Typing(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		id    string
		order uint64
	}
	var entries []entry
	for id, t := range s.typists {
		if s.active(t, now) {
			entries = append(entries, entry{id, t.order})
		}
	}
	slices.SortFunc(entries, func(a, b entry) int {
		switch {
		case a.order < b.order:
			return -1
		case a.order > b.order:
			return 1
		}
		return strings.Compare(a.id, b.id)
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// NextExpiry returns when the earliest current typist expires, if anyone is
// typing at now.
func (s *Set) NextExpiry(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	for _, t := range s.typists {
		if !s.active(t, now) {
			continue
		}
		if exp := t.arrivedAt.Add(s.window); next.IsZero() || exp.Before(next) {
			next = exp
		}
	}
	return next, !next.IsZero()
}

// Clear forgets every typist.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.typists)
}

func (s *Set) active(t *typist, now time.Time) bool {
	if t.startAt.IsZero() || !t.startAt.After(t.stopAt) {
		return false
	}
	return now.Sub(t.arrivedAt) < s.window
}

// prune drops users idle for long enough that no reordered event of theirs
// can still matter. Must be called with mu held.
func (s *Set) prune(now time.Time) {
	for id, t := range s.typists {
		if now.Sub(t.seenAt) > 10*s.window && !s.active(t, now) {
			delete(s.typists, id)
		}
	}
}

// Label renders a typing indicator for names, which must already be in
// display order: "A is typing", "A and B are typing", "A, B and C are
// typing", "A, B and 2 others are typing".
func Label(names []string) string {
	switch n := len(names); {
	case n == 0:
		return ""
	case n == 1:
		return names[0] + " is typing"
	case n == 2:
		return names[0] + " and " + names[1] + " are typing"
	case n == 3:
		return fmt.Sprintf("%s, %s and %s are typing", names[0], names[1], names[2])
	default:
		return fmt.Sprintf("%s, %s and %d others are typing", names[0], names[1], n-2)
	}
}
