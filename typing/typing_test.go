package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"

	"github.com/pawpal/messaging/realtime"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func start(user string, at time.Time) realtime.Event {
	return realtime.Event{Kind: realtime.KindTypingStart, UserID: user, At: at, ExpiresAt: at.Add(DefaultWindow)}
}

func stop(user string, at time.Time) realtime.Event {
	return realtime.Event{Kind: realtime.KindTypingStop, UserID: user, At: at}
}

func TestSet(t *testing.T) {
	const window = 3 * time.Second
	sec := func(n float64) time.Time { return t0.Add(time.Duration(n * float64(time.Second))) }

	tests := []struct {
		name   string
		events []realtime.Event // observed one second apart, starting at t0
		at     time.Time
		want   []string
	}{
		{
			name:   "Start",
			events: []realtime.Event{start("bob", t0)},
			at:     sec(1),
			want:   []string{"bob"},
		},
		{
			name:   "Expires",
			events: []realtime.Event{start("bob", t0)},
			at:     sec(3),
			want:   []string{},
		},
		{
			name:   "Stop",
			events: []realtime.Event{start("bob", t0), stop("bob", sec(1))},
			at:     sec(1.5),
			want:   []string{},
		},
		{
			name:   "LateStopIgnored",
			events: []realtime.Event{start("bob", sec(1)), stop("bob", t0)},
			at:     sec(2),
			want:   []string{"bob"},
		},
		{
			name:   "LateStartIgnored",
			events: []realtime.Event{stop("bob", sec(1)), start("bob", t0)},
			at:     sec(1.5),
			want:   []string{},
		},
		{
			name:   "Restart",
			events: []realtime.Event{start("bob", t0), stop("bob", sec(1)), start("bob", sec(2))},
			at:     sec(2.5),
			want:   []string{"bob"},
		},
		{
			name:   "Self",
			events: []realtime.Event{start("alice", t0)},
			at:     sec(0.5),
			want:   []string{},
		},
		{
			name: "FirstObservedOrder",
			events: []realtime.Event{
				start("carol", t0),
				start("bob", sec(1)),
				start("carol", sec(2)),
				start("dave", sec(2)),
			},
			at:   sec(3.5),
			want: []string{"carol", "bob", "dave"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSet(window, "alice")
			for i, ev := range tt.events {
				s.Observe(ev, t0.Add(time.Duration(i)*time.Second))
			}
			got := s.Typing(tt.at)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Typing mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSet_Observe_reportsChanges(t *testing.T) {
	s := NewSet(time.Second, "alice")
	if !s.Observe(start("bob", t0), t0) {
		t.Error("First start not reported as a change")
	}
	if s.Observe(start("bob", t0.Add(100*time.Millisecond)), t0.Add(100*time.Millisecond)) {
		t.Error("Repeated start reported as a change")
	}
	if s.Observe(realtime.Event{Kind: realtime.KindInsert, UserID: "bob"}, t0) {
		t.Error("Non-typing event reported as a change")
	}
	if !s.Observe(stop("bob", t0.Add(200*time.Millisecond)), t0.Add(200*time.Millisecond)) {
		t.Error("Stop not reported as a change")
	}
}

func TestSet_NextExpiry(t *testing.T) {
	s := NewSet(3*time.Second, "alice")
	if _, ok := s.NextExpiry(t0); ok {
		t.Error("NextExpiry reported a typist in an empty set")
	}
	s.Observe(start("bob", t0), t0)
	s.Observe(start("carol", t0.Add(time.Second)), t0.Add(time.Second))

	next, ok := s.NextExpiry(t0.Add(time.Second))
	if !ok || !next.Equal(t0.Add(3*time.Second)) {
		t.Errorf("NextExpiry = %s, %v, want %s", next, ok, t0.Add(3*time.Second))
	}
	next, ok = s.NextExpiry(t0.Add(3 * time.Second))
	if !ok || !next.Equal(t0.Add(4*time.Second)) {
		t.Errorf("NextExpiry after bob expired = %s, %v, want %s", next, ok, t0.Add(4*time.Second))
	}

	s.Clear()
	if got := s.Typing(t0.Add(time.Second)); len(got) != 0 {
		t.Errorf("Got %v after Clear", got)
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"Ana"}, "Ana is typing"},
		{[]string{"Ana", "Ben"}, "Ana and Ben are typing"},
		{[]string{"Ana", "Ben", "Cy"}, "Ana, Ben and Cy are typing"},
		{[]string{"Ana", "Ben", "Cy", "Di", "Ed"}, "Ana, Ben and 3 others are typing"},
	}
	for _, tt := range tests {
		if got := Label(tt.names); got != tt.want {
			t.Errorf("Label(%v) = %q, want %q", tt.names, got, tt.want)
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recorder) Publish(_ context.Context, topic string, ev realtime.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []realtime.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]realtime.Kind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestSignaler(t *testing.T) {
	rec := &recorder{}
	s := &Signaler{Publisher: rec, Window: 2 * time.Second, now: func() time.Time { return t0 }}
	ctx := context.Background()

	if err := s.StartTyping(ctx, "t1", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := s.StopTyping(ctx, "t1", "bob"); err != nil {
		t.Fatal(err)
	}
	want := []realtime.Event{
		{Kind: realtime.KindTypingStart, ThreadID: "t1", UserID: "bob", At: t0, ExpiresAt: t0.Add(2 * time.Second)},
		{Kind: realtime.KindTypingStop, ThreadID: "t1", UserID: "bob", At: t0},
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("Published events mismatch (-want +got):\n%s", diff)
	}
}

func TestDebouncer(t *testing.T) {
	rec := &recorder{}
	s := &Signaler{Publisher: rec, Window: time.Hour}
	d := NewDebouncer(s, "t1", "bob", 30*time.Millisecond, slogt.New(t))
	ctx := context.Background()

	for range 3 {
		if err := d.Keystroke(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if !d.Typing() {
		t.Error("Not typing after keystrokes")
	}
	if diff := cmp.Diff([]realtime.Kind{realtime.KindTypingStart}, rec.kinds()); diff != "" {
		t.Errorf("Keystrokes published (-want +got):\n%s", diff)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Typing() {
		if time.Now().After(deadline) {
			t.Fatal("Idle timer did not stop typing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	want := []realtime.Kind{realtime.KindTypingStart, realtime.KindTypingStop}
	if diff := cmp.Diff(want, rec.kinds()); diff != "" {
		t.Errorf("After idle (-want +got):\n%s", diff)
	}

	// Flush sends the stop at once and is a no-op when idle.
	_ = d.Keystroke(ctx)
	if err := d.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	want = append(want, realtime.KindTypingStart, realtime.KindTypingStop)
	time.Sleep(60 * time.Millisecond)
	if diff := cmp.Diff(want, rec.kinds()); diff != "" {
		t.Errorf("After flush (-want +got):\n%s", diff)
	}
}

func TestDebouncer_refreshesStart(t *testing.T) {
	rec := &recorder{}
	var mu sync.Mutex
	now := t0
	s := &Signaler{Publisher: rec, Window: 2 * time.Second, now: func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}}
	d := NewDebouncer(s, "t1", "bob", time.Hour, slogt.New(t))
	defer d.Flush(context.Background())

	for _, offset := range []time.Duration{0, 500 * time.Millisecond, time.Second, 1500 * time.Millisecond} {
		mu.Lock()
		now = t0.Add(offset)
		mu.Unlock()
		_ = d.Keystroke(context.Background())
	}
	// Starts are re-sent every half window: at 0s and 1s.
	want := []realtime.Kind{realtime.KindTypingStart, realtime.KindTypingStart}
	if diff := cmp.Diff(want, rec.kinds()); diff != "" {
		t.Errorf("Published (-want +got):\n%s", diff)
	}
}
