// Package typing signals and displays "is typing" state of thread
// participants.
//
// Typing state is never persisted. A start is valid for a short window; the
// receiving Set derives who is typing from the most recent start and stop of
// each user, so a lost stop heals itself once the window passes.
package typing

import (
	"context"
	"time"

	"github.com/pawpal/messaging/realtime"
)

// DefaultWindow is how long a typing start stays valid.
const DefaultWindow = 3 * time.Second

// Signaler broadcasts typing starts and stops on a thread's topic.
type Signaler struct {
	Publisher realtime.Publisher
	// Window is the validity of a start. Zero means DefaultWindow.
	Window time.Duration

	now func() time.Time
}

func (s *Signaler) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Signaler) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return DefaultWindow
}

// StartTyping announces that userID is typing in threadID.
func (s *Signaler) StartTyping(ctx context.Context, threadID, userID string) error {
	now := s.clock()
	return s.Publisher.Publish(ctx, realtime.ThreadTopic(threadID), realtime.Event{
		Kind:      realtime.KindTypingStart,
		ThreadID:  threadID,
		UserID:    userID,
		At:        now,
		ExpiresAt: now.Add(s.window()),
	})
}

// StopTyping announces that userID stopped typing in threadID.
func (s *Signaler) StopTyping(ctx context.Context, threadID, userID string) error {
	return s.Publisher.Publish(ctx, realtime.ThreadTopic(threadID), realtime.Event{
		Kind:     realtime.KindTypingStop,
		ThreadID: threadID,
		UserID:   userID,
		At:       s.clock(),
	})
}
