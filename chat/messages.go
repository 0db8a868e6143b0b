package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pawpal/messaging/metrics"
	"github.com/pawpal/messaging/notify"
	"github.com/pawpal/messaging/realtime"
)

const (
	// DefaultPageSize bounds a history fetch when no page size is configured.
	DefaultPageSize = 200
	// MaxContentLength is the longest message text accepted, in runes.
	MaxContentLength = 4000
	maxEmojiLength   = 16
)

// A Notifier delivers push notifications. It logs its own failures.
type Notifier interface {
	Notify(ctx context.Context, userIDs []string, n notify.Notification)
}

// Messages persists messages, read markers and reactions of threads and
// announces each change on the thread's realtime topic. Push notifications
// for new messages are sent in the background.
type Messages struct {
	Store     Store
	Registry  *Registry
	Publisher realtime.Publisher
	// Notifier is optional.
	Notifier Notifier
	Logger   *slog.Logger
	PageSize int
}

// Append stores a new message from senderID. The message needs non-blank
// content or at least one confirmed attachment. Its read set starts as
// {senderID}.
func (s *Messages) Append(ctx context.Context, threadID, senderID, content string, refs []AttachmentRef) (Message, error) {
	if strings.TrimSpace(content) == "" && len(refs) == 0 {
		return Message{}, Invalid("content", "message needs text or an attachment")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return Message{}, Invalid("content", "longer than %d characters", MaxContentLength)
	}
	for _, ref := range refs {
		if ref.Path == "" || !ref.Confirmed {
			return Message{}, Invalid("attachments", "upload %q is not confirmed", ref.Path)
		}
	}

	participants, err := s.Registry.Participants(ctx, threadID)
	if err != nil {
		return Message{}, err
	}
	if !slices.Contains(participants, senderID) {
		return Message{}, fmt.Errorf("thread %s: sender %s: %w", threadID, senderID, ErrForbidden)
	}

	msg, err := s.Store.InsertMessage(ctx, Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		SenderID: senderID,
		Content:  content,
		ReadBy:   []string{senderID},
	}, refs)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	metrics.MessagesAppended.Inc()

	s.publish(ctx, realtime.Event{
		Kind:     realtime.KindInsert,
		Table:    realtime.TableMessages,
		ThreadID: threadID,
		UserID:   senderID,
	})

	if s.Notifier != nil {
		recipients := slices.DeleteFunc(slices.Clone(participants), func(id string) bool { return id == senderID })
		if len(recipients) > 0 {
			body := content
			if strings.TrimSpace(body) == "" {
				body = "Sent an attachment"
			}
			// Delivery outlives the request and does not delay the reply.
			go s.Notifier.Notify(context.WithoutCancel(ctx), recipients, notify.Notification{
				Title: senderID,
				Body:  body,
				URL:   "/messages/" + threadID,
			})
		}
	}
	return msg, nil
}

// ListSince returns the next page of a thread's messages after the cursor in
// ascending creation order, ties broken by id. A zero cursor starts at the
// beginning of the thread.
func (s *Messages) ListSince(ctx context.Context, viewerID, threadID string, after Cursor, limit int) (Page, error) {
	if err := s.Registry.Authorize(ctx, threadID, viewerID); err != nil {
		return Page{}, err
	}
	return s.page(ctx, threadID, after, limit)
}

func (s *Messages) page(ctx context.Context, threadID string, after Cursor, limit int) (Page, error) {
	pageSize := s.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if limit <= 0 || limit > pageSize {
		limit = pageSize
	}

	msgs, err := s.Store.ListMessages(ctx, threadID, after, limit)
	if err != nil {
		return Page{}, fmt.Errorf("list messages: %w", err)
	}
	SortMessages(msgs)

	p := Page{Messages: msgs, Next: after, More: len(msgs) == limit}
	if len(msgs) > 0 {
		p.Next = msgs[len(msgs)-1].Cursor()
	}
	return p, nil
}

// Latest returns the newest limit messages of a thread in ascending order.
// A limit of zero or less returns the whole thread.
func (s *Messages) Latest(ctx context.Context, viewerID, threadID string, limit int) ([]Message, error) {
	if err := s.Registry.Authorize(ctx, threadID, viewerID); err != nil {
		return nil, err
	}
	msgs, err := s.Store.LatestMessages(ctx, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("latest messages: %w", err)
	}
	SortMessages(msgs)
	return msgs, nil
}

// Iter returns the messages of a thread after from, page by page. The sequence
// ends at the newest message; ranging over it again restarts at from.
func (s *Messages) Iter(ctx context.Context, viewerID, threadID string, from Cursor) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if err := s.Registry.Authorize(ctx, threadID, viewerID); err != nil {
			yield(Message{}, err)
			return
		}
		cur := from
		for {
			p, err := s.page(ctx, threadID, cur, 0)
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, m := range p.Messages {
				if !yield(m, nil) {
					return
				}
			}
			if !p.More {
				return
			}
			cur = p.Next
		}
	}
}

// MarkRead adds readerID to the read set of every listed message. Messages
// already read by readerID are left alone, so repeated calls are no-ops.
func (s *Messages) MarkRead(ctx context.Context, messageIDs []string, readerID string) (int, error) {
	ids := slices.Clone(messageIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	msgs, err := s.Store.Messages(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) != len(ids) {
		return 0, fmt.Errorf("mark read: %d of %d messages: %w", len(ids)-len(msgs), len(ids), ErrNotFound)
	}

	threads := make(map[string]bool)
	var pending []string
	for _, m := range msgs {
		if _, seen := threads[m.ThreadID]; !seen {
			if err := s.Registry.Authorize(ctx, m.ThreadID, readerID); err != nil {
				return 0, err
			}
			threads[m.ThreadID] = false
		}
		if !m.IsReadBy(readerID) {
			pending = append(pending, m.ID)
			threads[m.ThreadID] = true
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	n, err := s.Store.AddReader(ctx, pending, readerID)
	if err != nil {
		return 0, fmt.Errorf("add reader: %w", err)
	}
	if n > 0 {
		for threadID, changed := range threads {
			if changed {
				s.publish(ctx, realtime.Event{
					Kind:     realtime.KindUpdate,
					Table:    realtime.TableMessages,
					ThreadID: threadID,
					UserID:   readerID,
				})
			}
		}
	}
	return n, nil
}

// React toggles the emoji reaction of userID on a message and reports whether
// the reaction exists afterwards.
func (s *Messages) React(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return false, Invalid("emoji", "is required")
	}
	if utf8.RuneCountInString(emoji) > maxEmojiLength {
		return false, Invalid("emoji", "longer than %d characters", maxEmojiLength)
	}

	msgs, err := s.Store.Messages(ctx, []string{messageID})
	if err != nil {
		return false, fmt.Errorf("load message: %w", err)
	}
	if len(msgs) == 0 {
		return false, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	msg := msgs[0]
	if err := s.Registry.Authorize(ctx, msg.ThreadID, userID); err != nil {
		return false, err
	}

	added, err := s.Store.ToggleReaction(ctx, Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
	})
	if err != nil {
		return false, fmt.Errorf("toggle reaction: %w", err)
	}

	s.publish(ctx, realtime.Event{
		Kind:     realtime.KindUpdate,
		Table:    realtime.TableReactions,
		ThreadID: msg.ThreadID,
		UserID:   userID,
	})
	return added, nil
}

// publish announces a change on the thread topic. Failures are logged.
func (s *Messages) publish(ctx context.Context, ev realtime.Event) {
	if s.Publisher == nil {
		return
	}
	ev.At = time.Now()
	if err := s.Publisher.Publish(ctx, realtime.ThreadTopic(ev.ThreadID), ev); err != nil {
		s.Logger.Warn("Could not publish change", "thread_id", ev.ThreadID, "kind", ev.Kind, "error", err.Error())
	}
}
