package realtime

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pawpal/messaging/metrics"
)

// Scope is the kind of a dispatcher subscription.
type Scope string

const (
	// ScopeThread is the message channel of an open thread. At most one is
	// active per Dispatcher.
	ScopeThread Scope = "thread"
	// ScopeUser is the session wide notification channel.
	ScopeUser Scope = "user"
	// ScopePresence observes one user's presence.
	ScopePresence Scope = "presence"
)

// A Key identifies a subscription in a Dispatcher.
type Key struct {
	Scope Scope
	ID    string
}

// Topic returns the channel topic of k.
func (k Key) Topic() string {
	switch k.Scope {
	case ScopeThread:
		return ThreadTopic(k.ID)
	case ScopePresence:
		return PresenceTopic(k.ID)
	default:
		return UserTopic(k.ID)
	}
}

// A Handler receives the events of one subscription. Calls for a
// subscription are serialised. Invalidations that arrive while the handler is
// busy collapse into one call.
type Handler func(ctx context.Context, ev Event)

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	// PollInterval is the fallback poll period of thread subscriptions. Zero
	// disables polling.
	PollInterval time.Duration
	// BackoffInitial and BackoffMax bound resubscribe delays.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// OnStateChange is called when the dispatcher enters or leaves the
	// reconnecting state.
	OnStateChange func(reconnecting bool)
}

// A Dispatcher is the per-session registry of realtime subscriptions. It
// resubscribes dropped channels with exponential backoff, polls thread
// subscriptions as a backstop against silent drops, and coalesces
// invalidation bursts.
type Dispatcher struct {
	ch     Channel
	cfg    DispatcherConfig
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[Key]*subscription
	closed   bool
	reported atomic.Bool
}

// NewDispatcher creates a Dispatcher over ch.
func NewDispatcher(ch Channel, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Dispatcher{
		ch:     ch,
		cfg:    cfg,
		logger: logger.With("component", "dispatcher"),
		subs:   make(map[Key]*subscription),
	}
}

type subscription struct {
	key       Key
	handler   Handler
	ctx       context.Context
	cancel    context.CancelFunc
	dirty     chan Event
	data      chan Event
	ready     chan struct{}
	done      sync.WaitGroup
	connected atomic.Bool
}

// Subscribe registers h for key. Subscribing a thread first releases every
// other thread subscription, waiting for their handlers to return. An existing
// subscription with the same key is replaced. Subscribe returns after the
// first attempt to subscribe the channel; if it failed, retries continue in
// the background.
func (d *Dispatcher) Subscribe(ctx context.Context, key Key, h Handler) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return context.Canceled
	}
	var release []*subscription
	for k, s := range d.subs {
		if k == key || (key.Scope == ScopeThread && k.Scope == ScopeThread) {
			release = append(release, s)
			delete(d.subs, k)
		}
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		key:     key,
		handler: h,
		ctx:     sctx,
		cancel:  cancel,
		dirty:   make(chan Event, 1),
		data:    make(chan Event, subscriberBufferSize),
		ready:   make(chan struct{}),
	}
	d.subs[key] = s
	d.mu.Unlock()

	for _, old := range release {
		d.stop(old)
	}

	s.done.Add(2)
	go d.receive(s)
	go d.deliver(s)
	select {
	case <-s.ready:
	case <-ctx.Done():
	}
	d.logger.Debug("subscribed", "scope", key.Scope, "id", key.ID)
	return nil
}

// Unsubscribe releases the subscription for key and waits for its handler to
// return. It is a no-op for unknown keys.
func (d *Dispatcher) Unsubscribe(key Key) {
	d.mu.Lock()
	s, ok := d.subs[key]
	delete(d.subs, key)
	d.mu.Unlock()
	if ok {
		d.stop(s)
	}
}

// Drain releases every subscription and rejects new ones. It is called when
// the session ends.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.closed = true
	subs := make([]*subscription, 0, len(d.subs))
	for k, s := range d.subs {
		subs = append(subs, s)
		delete(d.subs, k)
	}
	d.mu.Unlock()
	for _, s := range subs {
		d.stop(s)
	}
}

// Nudge queues a poll for key, as done when the client regains focus.
func (d *Dispatcher) Nudge(key Key) {
	d.mu.Lock()
	s, ok := d.subs[key]
	d.mu.Unlock()
	if ok {
		s.invalidate(Event{Kind: KindPoll, ThreadID: threadID(key), At: time.Now()})
	}
}

// Keys returns the active subscription keys.
func (d *Dispatcher) Keys() []Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]Key, 0, len(d.subs))
	for k := range d.subs {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if a.Scope != b.Scope {
			if a.Scope < b.Scope {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return keys
}

// Reconnecting reports whether any subscription is waiting to resubscribe.
func (d *Dispatcher) Reconnecting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		if !s.connected.Load() {
			return true
		}
	}
	return false
}

func (d *Dispatcher) stop(s *subscription) {
	s.cancel()
	s.done.Wait()
	d.logger.Debug("unsubscribed", "scope", s.key.Scope, "id", s.key.ID)
	d.notifyState()
}

func (d *Dispatcher) notifyState() {
	rec := d.Reconnecting()
	if d.reported.Swap(rec) != rec && d.cfg.OnStateChange != nil {
		d.cfg.OnStateChange(rec)
	}
}

// invalidate queues ev for the handler, merging it with a pending
// invalidation if there is one.
func (s *subscription) invalidate(ev Event) {
	for {
		select {
		case s.dirty <- ev:
			return
		default:
		}
		select {
		case pending := <-s.dirty:
			ev = coalesce(pending, ev)
		default:
		}
	}
}

// coalesce merges two invalidations of one subscription. Message inserts stay
// inserts, since one fetch after the newest known message covers both.
// Any other pair becomes a poll, which reloads everything.
func coalesce(pending, ev Event) Event {
	if pending.Kind == KindInsert && ev.Kind == KindInsert &&
		pending.Table == TableMessages && ev.Table == TableMessages {
		return ev
	}
	if pending.Kind == KindPoll {
		return pending
	}
	return Event{Kind: KindPoll, ThreadID: ev.ThreadID, At: ev.At}
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffInitial
	b.MaxInterval = d.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// receive holds the channel subscription for s, resubscribing with backoff
// whenever it drops.
func (d *Dispatcher) receive(s *subscription) {
	defer s.done.Done()
	topic := s.key.Topic()
	bo := d.newBackOff()
	var readyOnce sync.Once
	ready := func() { readyOnce.Do(func() { close(s.ready) }) }
	defer ready()

	for attempt := 0; ; attempt++ {
		sub, err := d.ch.Subscribe(s.ctx, topic)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			d.notifyState()
			ready()
			wait := bo.NextBackOff()
			metrics.RealtimeResubscribes.Inc()
			d.logger.Warn("subscribe failed, retrying", "topic", topic, "wait", wait, "error", err.Error())
			if !sleep(s.ctx, wait) {
				return
			}
			continue
		}

		s.connected.Store(true)
		d.notifyState()
		ready()
		bo.Reset()
		if attempt > 0 {
			// Events may have been lost while disconnected.
			s.invalidate(Event{Kind: KindPoll, ThreadID: threadID(s.key), At: time.Now()})
		}

		d.pump(s, sub)
		_ = sub.Close()
		if s.ctx.Err() != nil {
			return
		}

		s.connected.Store(false)
		d.notifyState()
		wait := bo.NextBackOff()
		metrics.RealtimeResubscribes.Inc()
		d.logger.Warn("realtime channel dropped, resubscribing", "topic", topic, "wait", wait)
		if !sleep(s.ctx, wait) {
			return
		}
	}
}

func (d *Dispatcher) pump(s *subscription, sub Subscription) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			metrics.RealtimeEvents.WithLabelValues(string(ev.Kind)).Inc()
			if ev.Kind.IsInvalidation() {
				s.invalidate(ev)
				continue
			}
			select {
			case s.data <- ev:
			default:
				d.logger.Debug("dropped event, handler busy", "topic", s.key.Topic(), "kind", ev.Kind)
			}
		}
	}
}

// deliver runs the handler of s, one event at a time.
func (d *Dispatcher) deliver(s *subscription) {
	defer s.done.Done()
	var poll <-chan time.Time
	if s.key.Scope == ScopeThread && d.cfg.PollInterval > 0 {
		t := time.NewTicker(d.cfg.PollInterval)
		defer t.Stop()
		poll = t.C
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.data:
			s.handler(s.ctx, ev)
		case ev := <-s.dirty:
			s.handler(s.ctx, ev)
		case <-poll:
			s.handler(s.ctx, Event{Kind: KindPoll, ThreadID: threadID(s.key), At: time.Now()})
		}
	}
}

func threadID(k Key) string {
	if k.Scope == ScopeThread {
		return k.ID
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
