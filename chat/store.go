package chat

import (
	"context"
)

// A Store provides the durable, transactional store the messaging core runs
// against. Implementations must enforce uniqueness of Thread.PairKey and
// Thread.GroupID and of (message, user, emoji) reactions, and apply reader
// and reaction writes atomically per row.
type Store interface {
	// UserExists reports whether a user profile exists.
	UserExists(ctx context.Context, userID string) (bool, error)
	// GroupRoster returns the current member ids of a group, or ErrNotFound.
	GroupRoster(ctx context.Context, groupID string) ([]string, error)

	// Thread returns the thread with the given id, or ErrNotFound.
	Thread(ctx context.Context, id string) (Thread, error)
	// ThreadByPairKey returns the direct thread with the signature, or ErrNotFound.
	ThreadByPairKey(ctx context.Context, key string) (Thread, error)
	// ThreadByGroup returns the thread tagged to the group, or ErrNotFound.
	ThreadByGroup(ctx context.Context, groupID string) (Thread, error)
	// CreateThread inserts the thread and its participant rows in one
	// transaction. It returns ErrConflict if the thread's dedup signature is
	// already taken.
	CreateThread(ctx context.Context, t Thread, participants []string) (Thread, error)
	// Participants returns the user ids participating in a thread.
	Participants(ctx context.Context, threadID string) ([]string, error)

	// InsertMessage inserts a message and its attachments in one transaction
	// and returns it with server assigned fields set.
	InsertMessage(ctx context.Context, msg Message, attachments []AttachmentRef) (Message, error)
	// Messages returns the messages with the given ids. Missing ids are
	// omitted.
	Messages(ctx context.Context, ids []string) ([]Message, error)
	// ListMessages returns up to limit messages of a thread strictly after the
	// cursor, ascending by creation time then id, with reactions and
	// attachments joined.
	ListMessages(ctx context.Context, threadID string, after Cursor, limit int) ([]Message, error)
	// LatestMessages returns the newest limit messages of a thread in the
	// same order and with the same joins as ListMessages.
	LatestMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
	// AddReader adds readerID to the read set of each message that does not
	// hold it yet and returns the number of messages changed.
	AddReader(ctx context.Context, messageIDs []string, readerID string) (int, error)
	// ToggleReaction removes the reaction if it exists and creates it
	// otherwise. It reports whether the reaction exists afterwards.
	ToggleReaction(ctx context.Context, r Reaction) (bool, error)
}
