package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"

	"github.com/pawpal/messaging/realtime"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T, pub realtime.Publisher) (*Tracker, *clock) {
	t.Helper()
	c := &clock{t: t0}
	tr := NewTracker(Config{AwayAfter: time.Minute, OfflineAfter: 30 * time.Second}, pub, slogt.New(t))
	tr.now = c.Now
	return tr, c
}

func TestTracker_transitions(t *testing.T) {
	hub := realtime.NewHub(slogt.New(t))
	sub, _ := hub.Subscribe(context.Background(), realtime.PresenceTopic("bob"))
	defer sub.Close()

	tr, c := newTestTracker(t, hub)
	ctx, cancel := context.WithCancel(context.Background())
	watch := tr.Watch(ctx, "bob")

	steps := []struct {
		name string
		at   time.Duration
		do   func(at time.Time)
		want Status
	}{
		{"Join", 0, func(at time.Time) { tr.Join(ctx, "bob", at) }, Online},
		{"Heartbeat", 20 * time.Second, func(at time.Time) { tr.Heartbeat(ctx, "bob", at) }, Online},
		{"Heartbeat", 40 * time.Second, func(at time.Time) { tr.Heartbeat(ctx, "bob", at) }, Online},
		{"IdleSweep", 61 * time.Second, func(time.Time) { tr.Sweep(ctx) }, Away},
		{"Activity", 62 * time.Second, func(at time.Time) { tr.Activity(ctx, "bob", at) }, Online},
		{"SilentSweep", 100 * time.Second, func(time.Time) { tr.Sweep(ctx) }, Offline},
		{"Rejoin", 110 * time.Second, func(at time.Time) { tr.Join(ctx, "bob", at) }, Online},
		{"Leave", 120 * time.Second, func(at time.Time) { tr.Leave(ctx, "bob", at) }, Offline},
	}
	for _, s := range steps {
		at := t0.Add(s.at)
		c.Set(at)
		s.do(at)
		if got := tr.Get("bob").Status; got != s.want {
			t.Errorf("%s at +%s: got %s, want %s", s.name, s.at, got, s.want)
		}
	}

	cancel()
	var watched []Status
	for p := range watch {
		watched = append(watched, p.Status)
	}
	want := []Status{Offline, Online, Away, Online, Offline, Online, Offline}
	if diff := cmp.Diff(want, watched); diff != "" {
		t.Errorf("Watched transitions mismatch (-want +got):\n%s", diff)
	}

	var published []Status
	for range want[1:] {
		select {
		case ev := <-sub.Events():
			if ev.Kind != realtime.KindPresence || ev.UserID != "bob" {
				t.Errorf("Got event %+v, want presence of bob", ev)
			}
			published = append(published, Status(ev.Status))
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for presence event")
		}
	}
	if diff := cmp.Diff(want[1:], published); diff != "" {
		t.Errorf("Published transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestTracker_discardsStaleSignals(t *testing.T) {
	tr, c := newTestTracker(t, nil)
	ctx := context.Background()

	c.Set(t0.Add(10 * time.Second))
	if !tr.Join(ctx, "bob", t0.Add(10*time.Second)) {
		t.Fatal("Join was not applied")
	}
	// A leave sent before the join arrives late.
	if tr.Leave(ctx, "bob", t0.Add(5*time.Second)) {
		t.Error("Stale Leave was applied")
	}
	if got := tr.Get("bob").Status; got != Online {
		t.Errorf("Got %s after stale leave, want online", got)
	}
}

func TestTracker_Get(t *testing.T) {
	tr, c := newTestTracker(t, nil)
	ctx := context.Background()

	if diff := cmp.Diff(Presence{UserID: "nobody", Status: Offline}, tr.Get("nobody")); diff != "" {
		t.Errorf("Unknown user mismatch (-want +got):\n%s", diff)
	}

	tr.Join(ctx, "bob", t0)
	want := Presence{UserID: "bob", Status: Online, LastSeen: t0}
	if diff := cmp.Diff(want, tr.Get("bob")); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	// Get derives the status at the current time, even between sweeps.
	c.Set(t0.Add(31 * time.Second))
	if got := tr.Get("bob").Status; got != Offline {
		t.Errorf("Got %s after heartbeat timeout, want offline", got)
	}
}

func TestTracker_forgetsOfflineUsers(t *testing.T) {
	tr, c := newTestTracker(t, nil)
	ctx := context.Background()

	tr.Join(ctx, "bob", t0)
	tr.Leave(ctx, "bob", t0.Add(time.Second))
	c.Set(t0.Add(time.Hour))
	tr.Sweep(ctx)

	tr.mu.Lock()
	_, ok := tr.users["bob"]
	tr.mu.Unlock()
	if ok {
		t.Error("Offline user still tracked after ForgetAfter")
	}
	if got := tr.Get("bob"); !got.LastSeen.IsZero() {
		t.Errorf("Got last seen %s for a forgotten user", got.LastSeen)
	}
}

func TestTracker_Run(t *testing.T) {
	tr, c := newTestTracker(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr.Join(ctx, "bob", t0)
	watch := tr.Watch(ctx, "bob")
	if p := <-watch; p.Status != Online {
		t.Fatalf("Got initial %s, want online", p.Status)
	}

	done := make(chan struct{})
	go func() {
		tr.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	c.Set(t0.Add(time.Minute))

	select {
	case p := <-watch:
		if p.Status != Offline {
			t.Errorf("Got %s from sweep, want offline", p.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not sweep")
	}
	cancel()
	<-done
}
