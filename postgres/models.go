package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/pawpal/messaging/chat"
)

// A thread represents a conversation in the database. pair_key and group_id
// are the dedup signatures of direct and group threads.
type thread struct {
	bun.BaseModel `bun:"table:threads,alias:t"`

	ID        string    `bun:",pk,type:uuid"`
	IsGroup   bool      `bun:",notnull,default:false"`
	Name      string    `bun:",nullzero"`
	CreatedBy string    `bun:",notnull"`
	PairKey   string    `bun:",nullzero,unique"`
	GroupID   string    `bun:",nullzero,unique"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type participant struct {
	bun.BaseModel `bun:"table:thread_participants,alias:tp"`

	ThreadID string `bun:",pk,type:uuid"`
	UserID   string `bun:",pk"`
}

// A message represents a message in the database.
type message struct {
	bun.BaseModel `bun:"table:messages,alias:m"`

	ID          string       `bun:",pk,type:uuid"`
	ThreadID    string       `bun:",notnull,type:uuid"`
	SenderID    string       `bun:",notnull"`
	Content     string       `bun:",nullzero"`
	ReadBy      []string     `bun:",array,notnull"`
	CreatedAt   time.Time    `bun:",nullzero,notnull,default:current_timestamp"`
	Reactions   []reaction   `bun:"rel:has-many,join:id=message_id"`
	Attachments []attachment `bun:"rel:has-many,join:id=message_id"`
}

type reaction struct {
	bun.BaseModel `bun:"table:message_reactions,alias:r"`

	ID        string    `bun:",pk,type:uuid"`
	MessageID string    `bun:",notnull,type:uuid,unique:message_user_emoji"`
	UserID    string    `bun:",notnull,unique:message_user_emoji"`
	Emoji     string    `bun:",notnull,unique:message_user_emoji"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type attachment struct {
	bun.BaseModel `bun:"table:message_attachments,alias:a"`

	ID        string    `bun:",pk,type:uuid"`
	MessageID string    `bun:",notnull,type:uuid"`
	FilePath  string    `bun:",notnull"`
	MimeType  string    `bun:",notnull"`
	SizeBytes int64     `bun:",notnull"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Profiles and group rosters are owned by other services; they are declared
// here for reads and for creating a development schema.
type profile struct {
	bun.BaseModel `bun:"table:profiles,alias:p"`

	ID string `bun:",pk"`
}

type group struct {
	bun.BaseModel `bun:"table:groups,alias:g"`

	ID string `bun:",pk"`
}

type groupMember struct {
	bun.BaseModel `bun:"table:group_members,alias:gm"`

	GroupID string `bun:",pk"`
	UserID  string `bun:",pk"`
}

func (t thread) ChatThread() chat.Thread {
	return chat.Thread{
		ID:        t.ID,
		IsGroup:   t.IsGroup,
		Name:      t.Name,
		CreatedBy: t.CreatedBy,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		PairKey:   t.PairKey,
		GroupID:   t.GroupID,
	}
}

func (m message) ChatMessage() chat.Message {
	reactions := make([]chat.Reaction, len(m.Reactions))
	for i, r := range m.Reactions {
		reactions[i] = r.ChatReaction()
	}
	attachments := make([]chat.Attachment, len(m.Attachments))
	for i, a := range m.Attachments {
		attachments[i] = a.ChatAttachment()
	}
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}

	return chat.Message{
		ID:          m.ID,
		ThreadID:    m.ThreadID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		ReadBy:      readBy,
		CreatedAt:   m.CreatedAt,
		Reactions:   reactions,
		Attachments: attachments,
	}
}

func (r reaction) ChatReaction() chat.Reaction {
	return chat.Reaction{
		ID:        r.ID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji,
		CreatedAt: r.CreatedAt,
	}
}

func (a attachment) ChatAttachment() chat.Attachment {
	return chat.Attachment{
		ID:        a.ID,
		MessageID: a.MessageID,
		FilePath:  a.FilePath,
		MimeType:  a.MimeType,
		SizeBytes: a.SizeBytes,
		CreatedAt: a.CreatedAt,
	}
}
