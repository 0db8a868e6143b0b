package chat

import (
	"slices"
	"strings"
	"time"
)

// A Thread is a conversation between two users (direct) or the members of a
// group.
type Thread struct {
	ID        string    `json:"id"`
	IsGroup   bool      `json:"is_group"`
	Name      string    `json:"name,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// PairKey is the dedup signature of a direct thread. Empty for groups.
	PairKey string `json:"-"`
	// GroupID tags a group thread to its group. Empty for direct threads.
	GroupID string `json:"group_id,omitempty"`
}

// A Participant links a user to a thread.
type Participant struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
}

// A Message is a persisted message in a thread. Only ReadBy grows after
// creation; reactions and attachments are child records.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	SenderID    string       `json:"sender_id"`
	Content     string       `json:"content"`
	ReadBy      []string     `json:"read_by"`
	CreatedAt   time.Time    `json:"created_at"`
	Reactions   []Reaction   `json:"reactions"`
	Attachments []Attachment `json:"attachments"`
}

// IsReadBy reports whether userID has acknowledged the message.
func (m Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// Cursor returns the cursor positioned just after m.
func (m Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// A Reaction is an emoji a user attached to a message. At most one exists per
// (message, user, emoji).
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// An Attachment is a file recorded against a message once its bytes are in
// storage.
type Attachment struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	FilePath  string    `json:"file_path"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// An AttachmentRef points at an uploaded file. Confirmed is set by the
// attachment storage once the byte transfer has been verified.
type AttachmentRef struct {
	Path      string `json:"path"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Confirmed bool   `json:"-"`
}

// A Cursor is an exclusive position in a thread's message order.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// IsZero reports whether c points at the start of the thread.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// Before reports whether the message at c sorts before m.
func (c Cursor) Before(m Message) bool {
	if c.IsZero() {
		return true
	}
	if !c.CreatedAt.Equal(m.CreatedAt) {
		return c.CreatedAt.Before(m.CreatedAt)
	}
	return c.ID < m.ID
}

// A Page is one bounded slice of a thread's history.
type Page struct {
	Messages []Message `json:"messages"`
	Next     Cursor    `json:"next"`
	// More is set when the page was filled and more messages may follow.
	More bool `json:"more"`
}

// PairKey returns the direct thread signature of two users. It does not depend
// on argument order.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// SortMessages orders msgs by creation time, ties broken by id.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
