package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultIdle is the pause in keystrokes after which typing stops.
const DefaultIdle = 2 * time.Second

// A Debouncer turns a stream of keystrokes in one thread into typing starts
// and stops. Each keystroke cancels and reschedules the stop timer; Flush
// sends the pending stop at once, as on blur or unmount.
type Debouncer struct {
	signaler *Signaler
	threadID string
	userID   string
	idle     time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	typing    bool
	lastStart time.Time
	gen       uint64
	timer     *time.Timer
}

// NewDebouncer creates a Debouncer for userID typing in threadID.
func NewDebouncer(signaler *Signaler, threadID, userID string, idle time.Duration, logger *slog.Logger) *Debouncer {
	if idle <= 0 {
		idle = DefaultIdle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		signaler: signaler,
		threadID: threadID,
		userID:   userID,
		idle:     idle,
		logger:   logger.With("component", "typing", "thread_id", threadID),
	}
}

// Keystroke records input. While typing continues, the start is re-sent every
// half window so receivers do not expire it.
func (d *Debouncer) Keystroke(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	now := d.signaler.clock()
	if !d.typing || now.Sub(d.lastStart) >= d.signaler.window()/2 {
		err = d.signaler.StartTyping(ctx, d.threadID, d.userID)
		d.lastStart = now
	}
	d.typing = true

	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, func() { d.expire(gen) })
	return err
}

// Flush cancels the stop timer and, if typing, sends the stop immediately.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked(ctx)
}

// Typing reports whether a stop is pending.
func (d *Debouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen {
		return
	}
	if err := d.stopLocked(context.Background()); err != nil {
		d.logger.Warn("Could not send typing stop", "error", err.Error())
	}
}

func (d *Debouncer) stopLocked(ctx context.Context) error {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if !d.typing {
		return nil
	}
	d.typing = false
	return d.signaler.StopTyping(ctx, d.threadID, d.userID)
}
