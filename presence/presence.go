// Package presence tracks whether users are online, away or offline.
//
// Presence is soft state: it lives in memory, is derived from join,
// heartbeat, activity and leave signals, and is rebuilt from fresh signals
// after a restart.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pawpal/messaging/metrics"
	"github.com/pawpal/messaging/realtime"
)

// Status is a user's derived presence.
type Status string

const (
	Offline Status = "offline"
	Online  Status = "online"
	Away    Status = "away"
)

// Presence is the state of one user.
type Presence struct {
	UserID   string    `json:"user_id"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

// Config holds the presence timeouts.
type Config struct {
	// AwayAfter is the inactivity interval after which a connected user is
	// away.
	AwayAfter time.Duration
	// OfflineAfter is the heartbeat silence after which a user is offline.
	OfflineAfter time.Duration
	// ForgetAfter is how long an offline user's record is kept. Zero keeps
	// records for ten times OfflineAfter.
	ForgetAfter time.Duration
}

const watcherBufferSize = 16

// Tracker derives per-user presence and broadcasts transitions to watchers and
// to the user's presence topic. It is safe for concurrent use; signals older
// than the newest applied signal of a user are discarded.
type Tracker struct {
	cfg       Config
	publisher realtime.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	users    map[string]*record
	watchers map[string]map[*watcher]struct{}
}

type record struct {
	connected     bool
	lastHeartbeat time.Time
	lastActivity  time.Time
	updatedAt     time.Time
	status        Status
}

type watcher struct {
	ch chan Presence
}

// NewTracker creates a Tracker. The publisher may be nil.
func NewTracker(cfg Config, publisher realtime.Publisher, logger *slog.Logger) *Tracker {
	if cfg.AwayAfter <= 0 {
		cfg.AwayAfter = 5 * time.Minute
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 45 * time.Second
	}
	if cfg.ForgetAfter <= 0 {
		cfg.ForgetAfter = 10 * cfg.OfflineAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With("component", "presence"),
		now:       time.Now,
		users:     make(map[string]*record),
		watchers:  make(map[string]map[*watcher]struct{}),
	}
}

// Join records that a user connected to the channel at the given time.
func (t *Tracker) Join(ctx context.Context, userID string, at time.Time) bool {
	return t.apply(ctx, userID, at, func(r *record) {
		r.connected = true
		r.lastHeartbeat = at
		r.lastActivity = at
	})
}

// Heartbeat records that the user's connection was alive at the given time.
func (t *Tracker) Heartbeat(ctx context.Context, userID string, at time.Time) bool {
	return t.apply(ctx, userID, at, func(r *record) {
		r.connected = true
		r.lastHeartbeat = at
	})
}

// Activity records a user interaction. It also counts as a heartbeat.
func (t *Tracker) Activity(ctx context.Context, userID string, at time.Time) bool {
	return t.apply(ctx, userID, at, func(r *record) {
		r.connected = true
		r.lastHeartbeat = at
		r.lastActivity = at
	})
}

// Leave records that the user disconnected.
func (t *Tracker) Leave(ctx context.Context, userID string, at time.Time) bool {
	return t.apply(ctx, userID, at, func(r *record) {
		r.connected = false
	})
}

// apply runs fn on the user's record unless a newer signal was already
// applied, and broadcasts the resulting transition, if any. It reports whether
// the signal was applied.
func (t *Tracker) apply(ctx context.Context, userID string, at time.Time, fn func(*record)) bool {
	t.mu.Lock()
	r, ok := t.users[userID]
	if !ok {
		r = &record{status: Offline}
		t.users[userID] = r
	}
	if at.Before(r.updatedAt) {
		t.mu.Unlock()
		t.logger.Debug("discarded stale presence signal", "user_id", userID, "at", at, "newest", r.updatedAt)
		return false
	}
	fn(r)
	r.updatedAt = at

	p, changed := t.transition(userID, r, t.now())
	t.mu.Unlock()

	if changed {
		t.broadcast(ctx, p)
	}
	return true
}

// Sweep re-derives every user's status at the current time and broadcasts the
// transitions caused by timeouts.
func (t *Tracker) Sweep(ctx context.Context) {
	now := t.now()
	var changes []Presence

	t.mu.Lock()
	for id, r := range t.users {
		if p, changed := t.transition(id, r, now); changed {
			changes = append(changes, p)
		}
		if r.status == Offline && now.Sub(r.updatedAt) > t.cfg.ForgetAfter && len(t.watchers[id]) == 0 {
			delete(t.users, id)
		}
	}
	t.mu.Unlock()

	for _, p := range changes {
		t.broadcast(ctx, p)
	}
}

// Run sweeps on every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Get returns the user's presence at the current time.
func (t *Tracker) Get(userID string) Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.users[userID]
	if !ok {
		return Presence{UserID: userID, Status: Offline}
	}
	return Presence{UserID: userID, Status: t.derive(r, t.now()), LastSeen: r.lastHeartbeat}
}

// Watch returns a channel receiving the user's current presence followed by
// every transition, until ctx is done. Transitions are dropped for a watcher
// that falls behind.
func (t *Tracker) Watch(ctx context.Context, userID string) <-chan Presence {
	w := &watcher{ch: make(chan Presence, watcherBufferSize)}

	t.mu.Lock()
	current := Presence{UserID: userID, Status: Offline}
	if r, ok := t.users[userID]; ok {
		current = Presence{UserID: userID, Status: r.status, LastSeen: r.lastHeartbeat}
	}
	w.ch <- current
	if _, ok := t.watchers[userID]; !ok {
		t.watchers[userID] = make(map[*watcher]struct{})
	}
	t.watchers[userID][w] = struct{}{}
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.watchers[userID], w)
		if len(t.watchers[userID]) == 0 {
			delete(t.watchers, userID)
		}
		close(w.ch)
		t.mu.Unlock()
	}()
	return w.ch
}

// derive computes the status of r at now. Must be called with mu held.
func (t *Tracker) derive(r *record, now time.Time) Status {
	switch {
	case !r.connected || now.Sub(r.lastHeartbeat) > t.cfg.OfflineAfter:
		return Offline
	case now.Sub(r.lastActivity) > t.cfg.AwayAfter:
		return Away
	default:
		return Online
	}
}

// transition updates r's status and reports whether it changed. Must be
// called with mu held. Watchers are signalled before mu is released so they
// observe transitions in order.
func (t *Tracker) transition(userID string, r *record, now time.Time) (Presence, bool) {
	status := t.derive(r, now)
	if status == r.status {
		return Presence{}, false
	}
	r.status = status
	p := Presence{UserID: userID, Status: status, LastSeen: r.lastHeartbeat}
	metrics.PresenceTransitions.WithLabelValues(string(status)).Inc()
	for w := range t.watchers[userID] {
		select {
		case w.ch <- p:
		default:
			t.logger.Debug("dropped presence transition for slow watcher", "user_id", userID)
		}
	}
	return p, true
}

func (t *Tracker) broadcast(ctx context.Context, p Presence) {
	t.logger.Debug("presence changed", "user_id", p.UserID, "status", p.Status)
	if t.publisher == nil {
		return
	}
	err := t.publisher.Publish(ctx, realtime.PresenceTopic(p.UserID), realtime.Event{
		Kind:   realtime.KindPresence,
		UserID: p.UserID,
		Status: string(p.Status),
		At:     p.LastSeen,
	})
	if err != nil {
		t.logger.Warn("Could not publish presence", "user_id", p.UserID, "error", err.Error())
	}
}
