// Package notify delivers out-of-band push notifications.
package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pawpal/messaging/metrics"
	"github.com/pawpal/messaging/realtime"
)

// A Notification is a push message about something a user should look at.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// A Sender delivers a notification to one user.
type Sender interface {
	Send(ctx context.Context, userID string, n Notification) error
}

// maxParallel bounds concurrent per-recipient deliveries.
const maxParallel = 8

// Fanout delivers a notification to a set of users through a Sender. Failures
// are logged per recipient and never returned to the caller.
type Fanout struct {
	Sender Sender
	Logger *slog.Logger
}

// Notify sends n to every user in userIDs.
func (f *Fanout) Notify(ctx context.Context, userIDs []string, n Notification) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, id := range userIDs {
		g.Go(func() error {
			if err := f.Sender.Send(ctx, id, n); err != nil {
				metrics.NotificationFailures.Inc()
				f.Logger.Warn("Could not deliver notification", "user_id", id, "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Realtime sends notifications on each user's global realtime topic.
type Realtime struct {
	Publisher realtime.Publisher
}

// Send publishes n to the user's topic.
func (r Realtime) Send(ctx context.Context, userID string, n Notification) error {
	return r.Publisher.Publish(ctx, realtime.UserTopic(userID), realtime.Event{
		Kind:   realtime.KindNotify,
		UserID: userID,
		At:     time.Now(),
		Title:  n.Title,
		Body:   n.Body,
		URL:    n.URL,
	})
}
