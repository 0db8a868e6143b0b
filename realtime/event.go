// Package realtime carries best-effort change notifications between the
// messaging core and connected sessions.
//
// Row-change events are invalidation tokens: they name what changed, never
// carry the changed state. Receivers re-fetch from the durable store.
package realtime

import (
	"context"
	"strings"
	"time"
)

// Kind tags an Event.
type Kind string

const (
	KindInsert      Kind = "insert"
	KindUpdate      Kind = "update"
	KindDelete      Kind = "delete"
	KindTypingStart Kind = "typing_start"
	KindTypingStop  Kind = "typing_stop"
	KindPresence    Kind = "presence"
	KindNotify      Kind = "notify"
	// KindPoll is synthesised locally by the Dispatcher on its poll timer and on
	// focus. It never crosses the wire.
	KindPoll Kind = "poll"
)

// IsInvalidation reports whether events of kind k only signal that durable
// state changed.
func (k Kind) IsInvalidation() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindPoll:
		return true
	}
	return false
}

// Tables named in row-change events.
const (
	TableMessages    = "messages"
	TableReactions   = "message_reactions"
	TableAttachments = "message_attachments"
	TableThreads     = "threads"
)

// An Event is a message on a realtime topic.
type Event struct {
	Kind     Kind      `json:"kind"`
	Table    string    `json:"table,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	At       time.Time `json:"at"`

	// ExpiresAt bounds a typing start.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	// Status is the presence status of UserID.
	Status string `json:"status,omitempty"`
	// Title, Body and URL describe a notification.
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Topic prefixes.
const (
	threadPrefix   = "thread:"
	userPrefix     = "user:"
	presencePrefix = "presence:"
)

// ThreadTopic is the topic of a thread's message and typing events.
func ThreadTopic(threadID string) string { return threadPrefix + threadID }

// UserTopic is the global topic of a user's session: notifications.
func UserTopic(userID string) string { return userPrefix + userID }

// PresenceTopic carries presence transitions of a user to all observers.
func PresenceTopic(userID string) string { return presencePrefix + userID }

// ThreadOf returns the thread id of a thread topic.
func ThreadOf(topic string) (string, bool) {
	return strings.CutPrefix(topic, threadPrefix)
}

// A Publisher broadcasts events on a topic. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// A Subscription delivers events of one topic until closed. The events channel
// is closed when the subscription ends, either by Close or by the underlying
// connection dropping.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// A Channel is the realtime collaborator: per-topic publish and subscribe.
type Channel interface {
	Publisher
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}
