// Package session orchestrates one user's conversation view: it opens a
// thread, keeps its history reconciled with the durable store as realtime
// invalidations arrive, tracks who is typing and which users are present, and
// sends messages.
//
// History is never patched from event payloads. Every change notification
// triggers a re-fetch, merged by message id, so duplicate or reordered events
// cannot duplicate or misorder messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pawpal/messaging/chat"
	"github.com/pawpal/messaging/metrics"
	"github.com/pawpal/messaging/notify"
	"github.com/pawpal/messaging/presence"
	"github.com/pawpal/messaging/realtime"
	"github.com/pawpal/messaging/typing"
	"github.com/pawpal/messaging/uploads"
)

// ErrNotOpen is returned by operations that need an open thread.
var ErrNotOpen = errors.New("session: no thread open")

// DefaultMaxHistory bounds the messages kept in a view.
const DefaultMaxHistory = 1000

const maxNotifications = 50

// An Uploader issues and confirms attachment uploads.
type Uploader interface {
	PresignUpload(ctx context.Context, req uploads.UploadRequest) (uploads.Ticket, error)
	Confirm(ctx context.Context, threadID, userID, path string) (chat.AttachmentRef, error)
}

// A PresenceSource reports the current presence of a user.
type PresenceSource interface {
	Get(userID string) presence.Presence
}

// Deps are the collaborators of a Session. Signaler, Uploads and Presence are
// optional.
type Deps struct {
	Messages *chat.Messages
	Channel  realtime.Channel
	Signaler *typing.Signaler
	Uploads  Uploader
	Presence PresenceSource
}

// Config tunes a Session.
type Config struct {
	MaxHistory   int
	TypingWindow time.Duration
	TypingIdle   time.Duration
	Realtime     realtime.DispatcherConfig
}

// A FailedSend is a message that could not be sent and may be retried.
type FailedSend struct {
	ID          string               `json:"id"`
	ThreadID    string               `json:"thread_id"`
	Content     string               `json:"content"`
	Attachments []chat.AttachmentRef `json:"attachments,omitempty"`
	Error       string               `json:"error"`
	At          time.Time            `json:"at"`
}

// A View is a snapshot of the session.
type View struct {
	ThreadID      string                     `json:"thread_id,omitempty"`
	Messages      []chat.Message             `json:"messages"`
	Typing        []string                   `json:"typing"`
	TypingLabel   string                     `json:"typing_label,omitempty"`
	Presence      map[string]presence.Status `json:"presence,omitempty"`
	Notifications []notify.Notification      `json:"notifications,omitempty"`
	Failed        []FailedSend               `json:"failed,omitempty"`
	// Reconnecting is set while a realtime subscription is being restored.
	Reconnecting bool `json:"reconnecting"`
	// Stale is set when the last history fetch failed and Messages may be
	// out of date.
	Stale bool `json:"stale"`
}

// Session is one user's conversation view. Its methods are safe for
// concurrent use.
type Session struct {
	userID     string
	deps       Deps
	cfg        Config
	logger     *slog.Logger
	dispatcher *realtime.Dispatcher
	changes    chan struct{}

	mu            sync.Mutex
	ended         bool
	gen           uint64
	threadID      string
	cancelLoad    context.CancelFunc
	msgs          []chat.Message
	stale         bool
	reconnecting  bool
	typists       *typing.Set
	typingTimer   *time.Timer
	debouncer     *typing.Debouncer
	presence      map[string]presence.Status
	notifications []notify.Notification
	failed        []FailedSend
}

// New creates a Session for userID. Call Start to receive notifications.
func New(userID string, deps Deps, cfg Config, logger *slog.Logger) *Session {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.TypingWindow <= 0 {
		cfg.TypingWindow = typing.DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		userID:   userID,
		deps:     deps,
		cfg:      cfg,
		logger:   logger.With("component", "session", "user_id", userID),
		changes:  make(chan struct{}, 1),
		presence: make(map[string]presence.Status),
	}
	rt := cfg.Realtime
	onState := rt.OnStateChange
	rt.OnStateChange = func(reconnecting bool) {
		s.mu.Lock()
		s.reconnecting = reconnecting
		s.mu.Unlock()
		s.changed()
		if onState != nil {
			onState(reconnecting)
		}
	}
	s.dispatcher = realtime.NewDispatcher(deps.Channel, rt, s.logger)
	return s
}

// Changes signals after the view changed. Signals coalesce: read View after
// each one.
func (s *Session) Changes() <-chan struct{} { return s.changes }

func (s *Session) changed() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Start subscribes the session wide notification channel.
func (s *Session) Start(ctx context.Context) error {
	return s.dispatcher.Subscribe(ctx, realtime.Key{Scope: realtime.ScopeUser, ID: s.userID}, s.handleUser)
}

// Open makes threadID the open thread: it subscribes the thread's channel,
// releasing the previous thread's, loads the history and marks it read.
// Fetches still in flight for a previously open thread are discarded.
func (s *Session) Open(ctx context.Context, threadID string) error {
	if err := s.deps.Messages.Registry.Authorize(ctx, threadID, s.userID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return context.Canceled
	}
	prev := s.debouncer
	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	s.gen++
	gen := s.gen
	s.threadID = threadID
	s.msgs = nil
	s.stale = false
	s.typists = typing.NewSet(s.cfg.TypingWindow, s.userID)
	s.stopTypingTimerLocked()
	s.debouncer = nil
	if s.deps.Signaler != nil {
		s.debouncer = typing.NewDebouncer(s.deps.Signaler, threadID, s.userID, s.cfg.TypingIdle, s.logger)
	}
	loadCtx, cancel := context.WithCancel(ctx)
	s.cancelLoad = cancel
	s.mu.Unlock()

	s.flush(ctx, prev)
	s.changed()

	key := realtime.Key{Scope: realtime.ScopeThread, ID: threadID}
	if err := s.dispatcher.Subscribe(ctx, key, s.threadHandler(gen, threadID)); err != nil {
		return err
	}
	s.logger.Info("Opened thread", "thread_id", threadID)
	return s.refresh(loadCtx, gen, threadID, false)
}

// Close releases the open thread, sending a pending typing stop first.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	threadID, deb := s.threadID, s.debouncer
	s.closeThreadLocked()
	s.mu.Unlock()
	if threadID == "" {
		return nil
	}

	s.flush(ctx, deb)
	s.dispatcher.Unsubscribe(realtime.Key{Scope: realtime.ScopeThread, ID: threadID})
	s.changed()
	s.logger.Info("Closed thread", "thread_id", threadID)
	return nil
}

// End closes the open thread and drains every subscription. The session
// cannot be reused.
func (s *Session) End(ctx context.Context) {
	_ = s.Close(ctx)
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.dispatcher.Drain()
}

func (s *Session) closeThreadLocked() {
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	s.gen++
	s.threadID = ""
	s.msgs = nil
	s.stale = false
	s.typists = nil
	s.debouncer = nil
	s.stopTypingTimerLocked()
}

// ThreadID returns the open thread, if any.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Send flushes the typing state, appends a message to the open thread and
// reloads the history. Sends that fail for reasons other than validation are
// kept in the view's Failed list for Retry.
func (s *Session) Send(ctx context.Context, content string, refs []chat.AttachmentRef) (chat.Message, error) {
	s.mu.Lock()
	threadID, deb := s.threadID, s.debouncer
	s.mu.Unlock()
	if threadID == "" {
		return chat.Message{}, ErrNotOpen
	}
	s.flush(ctx, deb)
	return s.send(ctx, threadID, content, refs)
}

// Retry re-sends a failed message.
func (s *Session) Retry(ctx context.Context, failedID string) (chat.Message, error) {
	s.mu.Lock()
	i := slices.IndexFunc(s.failed, func(f FailedSend) bool { return f.ID == failedID })
	if i < 0 {
		s.mu.Unlock()
		return chat.Message{}, fmt.Errorf("failed send %s: %w", failedID, chat.ErrNotFound)
	}
	f := s.failed[i]
	s.failed = slices.Delete(s.failed, i, i+1)
	s.mu.Unlock()
	s.changed()
	return s.send(ctx, f.ThreadID, f.Content, f.Attachments)
}

func (s *Session) send(ctx context.Context, threadID, content string, refs []chat.AttachmentRef) (chat.Message, error) {
	msg, err := s.deps.Messages.Append(ctx, threadID, s.userID, content, refs)
	if err != nil {
		if !chat.IsValidation(err) {
			s.mu.Lock()
			s.failed = append(s.failed, FailedSend{
				ID:          uuid.NewString(),
				ThreadID:    threadID,
				Content:     content,
				Attachments: refs,
				Error:       err.Error(),
				At:          time.Now(),
			})
			s.mu.Unlock()
			s.changed()
			s.logger.Warn("Failed to send message", "thread_id", threadID, "error", err.Error())
		}
		return chat.Message{}, err
	}

	s.mu.Lock()
	gen, open := s.gen, s.threadID
	s.mu.Unlock()
	if open == threadID {
		if err := s.refresh(ctx, gen, threadID, true); err != nil {
			s.logger.Warn("Could not reload after send", "thread_id", threadID, "error", err.Error())
		}
	}
	return msg, nil
}

// React toggles a reaction on a message of the open thread and reloads the
// history.
func (s *Session) React(ctx context.Context, messageID, emoji string) (bool, error) {
	s.mu.Lock()
	gen, threadID := s.gen, s.threadID
	s.mu.Unlock()
	if threadID == "" {
		return false, ErrNotOpen
	}
	added, err := s.deps.Messages.React(ctx, messageID, s.userID, emoji)
	if err != nil {
		return false, err
	}
	if err := s.refresh(ctx, gen, threadID, false); err != nil {
		s.logger.Warn("Could not reload after reaction", "thread_id", threadID, "error", err.Error())
	}
	return added, nil
}

// PresignUpload asks for an upload URL for an attachment to the open thread.
func (s *Session) PresignUpload(ctx context.Context, fileName string, size int64, mimeType string) (uploads.Ticket, error) {
	threadID := s.ThreadID()
	if threadID == "" {
		return uploads.Ticket{}, ErrNotOpen
	}
	if s.deps.Uploads == nil {
		return uploads.Ticket{}, errors.New("session: uploads are not configured")
	}
	return s.deps.Uploads.PresignUpload(ctx, uploads.UploadRequest{
		ThreadID:  threadID,
		UserID:    s.userID,
		FileName:  fileName,
		SizeBytes: size,
		MimeType:  mimeType,
	})
}

// ConfirmUpload returns the attachment reference of a completed upload, to be
// passed to Send.
func (s *Session) ConfirmUpload(ctx context.Context, path string) (chat.AttachmentRef, error) {
	threadID := s.ThreadID()
	if threadID == "" {
		return chat.AttachmentRef{}, ErrNotOpen
	}
	if s.deps.Uploads == nil {
		return chat.AttachmentRef{}, errors.New("session: uploads are not configured")
	}
	return s.deps.Uploads.Confirm(ctx, threadID, s.userID, path)
}

// Keystroke records typing in the open thread.
func (s *Session) Keystroke(ctx context.Context) error {
	s.mu.Lock()
	threadID, deb := s.threadID, s.debouncer
	s.mu.Unlock()
	if threadID == "" {
		return ErrNotOpen
	}
	if deb == nil {
		return nil
	}
	return deb.Keystroke(ctx)
}

// Blur sends the pending typing stop at once.
func (s *Session) Blur(ctx context.Context) {
	s.mu.Lock()
	deb := s.debouncer
	s.mu.Unlock()
	s.flush(ctx, deb)
}

// Focus reloads the open thread, as a backstop for events dropped while the
// client was in the background.
func (s *Session) Focus() {
	if threadID := s.ThreadID(); threadID != "" {
		s.dispatcher.Nudge(realtime.Key{Scope: realtime.ScopeThread, ID: threadID})
	}
}

// WatchPresence adds userID's presence to the view.
func (s *Session) WatchPresence(ctx context.Context, userID string) error {
	if s.deps.Presence != nil {
		p := s.deps.Presence.Get(userID)
		s.mu.Lock()
		s.presence[userID] = p.Status
		s.mu.Unlock()
		s.changed()
	}
	return s.dispatcher.Subscribe(ctx, realtime.Key{Scope: realtime.ScopePresence, ID: userID}, s.handlePresence)
}

// UnwatchPresence removes userID's presence from the view.
func (s *Session) UnwatchPresence(userID string) {
	s.dispatcher.Unsubscribe(realtime.Key{Scope: realtime.ScopePresence, ID: userID})
	s.mu.Lock()
	delete(s.presence, userID)
	s.mu.Unlock()
	s.changed()
}

// View returns a snapshot of the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ThreadID:      s.threadID,
		Messages:      slices.Clone(s.msgs),
		Typing:        []string{},
		Notifications: slices.Clone(s.notifications),
		Failed:        slices.Clone(s.failed),
		Reconnecting:  s.reconnecting,
		Stale:         s.stale,
	}
	if v.Messages == nil {
		v.Messages = []chat.Message{}
	}
	if s.typists != nil {
		v.Typing = s.typists.Typing(time.Now())
		v.TypingLabel = typing.Label(v.Typing)
	}
	if len(s.presence) > 0 {
		v.Presence = make(map[string]presence.Status, len(s.presence))
		for id, st := range s.presence {
			v.Presence[id] = st
		}
	}
	return v
}

func (s *Session) flush(ctx context.Context, deb *typing.Debouncer) {
	if deb == nil {
		return
	}
	if err := deb.Flush(ctx); err != nil {
		s.logger.Warn("Could not send typing stop", "error", err.Error())
	}
}

func (s *Session) threadHandler(gen uint64, threadID string) realtime.Handler {
	return func(ctx context.Context, ev realtime.Event) {
		switch {
		case ev.Kind == realtime.KindTypingStart || ev.Kind == realtime.KindTypingStop:
			s.observeTyping(gen, ev)
		case ev.Kind.IsInvalidation():
			// New rows sort after the newest known message. Anything else may
			// have changed rows already shown.
			incremental := ev.Kind == realtime.KindInsert && ev.Table == realtime.TableMessages
			if err := s.refresh(ctx, gen, threadID, incremental); err != nil && ctx.Err() == nil {
				s.logger.Warn("Could not reload thread", "thread_id", threadID, "kind", ev.Kind, "error", err.Error())
			}
		}
	}
}

func (s *Session) handleUser(_ context.Context, ev realtime.Event) {
	if ev.Kind != realtime.KindNotify {
		return
	}
	s.mu.Lock()
	s.notifications = append(s.notifications, notify.Notification{Title: ev.Title, Body: ev.Body, URL: ev.URL})
	if n := len(s.notifications); n > maxNotifications {
		s.notifications = slices.Delete(s.notifications, 0, n-maxNotifications)
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) handlePresence(_ context.Context, ev realtime.Event) {
	if ev.Kind != realtime.KindPresence || ev.UserID == "" {
		return
	}
	s.mu.Lock()
	s.presence[ev.UserID] = presence.Status(ev.Status)
	s.mu.Unlock()
	s.changed()
}

func (s *Session) observeTyping(gen uint64, ev realtime.Event) {
	now := time.Now()
	s.mu.Lock()
	if gen != s.gen || s.typists == nil {
		s.mu.Unlock()
		return
	}
	changed := s.typists.Observe(ev, now)
	s.scheduleTypingLocked(now)
	s.mu.Unlock()
	if changed {
		s.changed()
	}
}

// scheduleTypingLocked arms the timer that re-renders the view when the next
// typist expires.
func (s *Session) scheduleTypingLocked(now time.Time) {
	next, ok := s.typists.NextExpiry(now)
	if !ok {
		return
	}
	d := next.Sub(now)
	if s.typingTimer == nil {
		s.typingTimer = time.AfterFunc(d, s.typingExpired)
		return
	}
	s.typingTimer.Reset(d)
}

func (s *Session) typingExpired() {
	s.mu.Lock()
	if s.typists != nil {
		s.scheduleTypingLocked(time.Now())
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) stopTypingTimerLocked() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

// refresh re-fetches the open thread's history and merges it into the view,
// then marks unread messages read. An empty view loads the newest MaxHistory
// messages. Otherwise only the window from the oldest shown message on is
// reloaded, and with incremental set only messages after the newest known
// one. Results that complete after another thread was opened are discarded.
func (s *Session) refresh(ctx context.Context, gen uint64, threadID string, incremental bool) error {
	var from chat.Cursor
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	tail := len(s.msgs) == 0
	switch {
	case tail:
		incremental = false
	case incremental:
		from = s.msgs[len(s.msgs)-1].Cursor()
	default:
		// No id: messages sharing the oldest timestamp are reloaded too.
		from = chat.Cursor{CreatedAt: s.msgs[0].CreatedAt}
	}
	s.mu.Unlock()

	metrics.Refetches.Inc()
	var fetched []chat.Message
	var fetchErr error
	if tail {
		fetched, fetchErr = s.deps.Messages.Latest(ctx, s.userID, threadID, s.cfg.MaxHistory)
	} else {
		for m, err := range s.deps.Messages.Iter(ctx, s.userID, threadID, from) {
			if err != nil {
				fetchErr = err
				break
			}
			fetched = append(fetched, m)
			if !incremental && len(fetched) >= 2*s.cfg.MaxHistory {
				fetched = slices.Delete(fetched, 0, len(fetched)-s.cfg.MaxHistory)
			}
		}
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		metrics.StaleResponses.Inc()
		s.logger.Debug("Discarded stale history", "thread_id", threadID)
		return nil
	}
	if fetchErr != nil {
		s.stale = true
		s.mu.Unlock()
		s.changed()
		return fetchErr
	}
	if incremental {
		s.msgs = merge(s.msgs, fetched)
	} else {
		s.msgs = merge(nil, fetched)
	}
	if n := len(s.msgs); n > s.cfg.MaxHistory {
		s.msgs = slices.Delete(s.msgs, 0, n-s.cfg.MaxHistory)
	}
	s.stale = false
	var unread []string
	for _, m := range s.msgs {
		if !m.IsReadBy(s.userID) {
			unread = append(unread, m.ID)
		}
	}
	s.mu.Unlock()
	s.changed()

	if len(unread) > 0 {
		if _, err := s.deps.Messages.MarkRead(ctx, unread, s.userID); err != nil {
			s.logger.Warn("Could not mark messages read", "thread_id", threadID, "count", len(unread), "error", err.Error())
		}
	}
	return nil
}

// merge returns the union of a and b by message id in store order. A message
// in b replaces the same message in a.
func merge(a, b []chat.Message) []chat.Message {
	byID := make(map[string]int, len(a)+len(b))
	out := make([]chat.Message, 0, len(a)+len(b))
	for _, src := range [][]chat.Message{a, b} {
		for _, m := range src {
			if i, ok := byID[m.ID]; ok {
				out[i] = m
				continue
			}
			byID[m.ID] = len(out)
			out = append(out, m)
		}
	}
	chat.SortMessages(out)
	return out
}
