package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/pawpal/messaging/chat"
)

// Postgres provides storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

var _ chat.Store = (*Postgres)(nil)

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", classify(err))
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun: db,
	}, nil
}

// Close closes the database connection pool.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// CreateSchema creates the messaging tables if they do not exist yet.
func (pg *Postgres) CreateSchema(ctx context.Context) error {
	tables := []struct {
		model any
		fk    []string
	}{
		{model: (*profile)(nil)},
		{model: (*group)(nil)},
		{model: (*groupMember)(nil), fk: []string{`("group_id") REFERENCES "groups" ("id") ON DELETE CASCADE`}},
		{model: (*thread)(nil)},
		{model: (*participant)(nil), fk: []string{`("thread_id") REFERENCES "threads" ("id") ON DELETE CASCADE`}},
		{model: (*message)(nil), fk: []string{`("thread_id") REFERENCES "threads" ("id") ON DELETE CASCADE`}},
		{model: (*reaction)(nil), fk: []string{`("message_id") REFERENCES "messages" ("id") ON DELETE CASCADE`}},
		{model: (*attachment)(nil), fk: []string{`("message_id") REFERENCES "messages" ("id") ON DELETE CASCADE`}},
	}
	return pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, t := range tables {
			q := tx.NewCreateTable().Model(t.model).IfNotExists()
			for _, fk := range t.fk {
				q = q.ForeignKey(fk)
			}
			if _, err := q.Exec(ctx); err != nil {
				return fmt.Errorf("create table: %w", err)
			}
		}
		_, err := tx.NewCreateIndex().
			Model((*message)(nil)).
			Index("messages_thread_created_idx").
			Column("thread_id", "created_at", "id").
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("create index: %w", err)
		}
		return nil
	})
}

// UserExists reports whether a profile exists.
func (pg *Postgres) UserExists(ctx context.Context, userID string) (bool, error) {
	ok, err := pg.bun.NewSelect().Model((*profile)(nil)).Where("id = ?", userID).Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("exists: %w", classify(err))
	}
	return ok, nil
}

// GroupRoster returns the member ids of a group.
func (pg *Postgres) GroupRoster(ctx context.Context, groupID string) ([]string, error) {
	ok, err := pg.bun.NewSelect().Model((*group)(nil)).Where("id = ?", groupID).Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("exists: %w", classify(err))
	}
	if !ok {
		return nil, chat.ErrNotFound
	}

	var ids []string
	err = pg.bun.NewSelect().
		Model((*groupMember)(nil)).
		Column("user_id").
		Where("group_id = ?", groupID).
		Order("user_id").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", classify(err))
	}
	return ids, nil
}

// Thread returns a thread by id.
func (pg *Postgres) Thread(ctx context.Context, id string) (chat.Thread, error) {
	return pg.threadWhere(ctx, "id = ?", id)
}

// ThreadByPairKey returns the direct thread with the pair signature.
func (pg *Postgres) ThreadByPairKey(ctx context.Context, key string) (chat.Thread, error) {
	return pg.threadWhere(ctx, "pair_key = ?", key)
}

// ThreadByGroup returns the thread tagged to a group.
func (pg *Postgres) ThreadByGroup(ctx context.Context, groupID string) (chat.Thread, error) {
	return pg.threadWhere(ctx, "group_id = ?", groupID)
}

func (pg *Postgres) threadWhere(ctx context.Context, query string, arg any) (chat.Thread, error) {
	var t thread
	if err := pg.bun.NewSelect().Model(&t).Where(query, arg).Limit(1).Scan(ctx); err != nil {
		return chat.Thread{}, fmt.Errorf("scan: %w", classify(err))
	}
	return t.ChatThread(), nil
}

// CreateThread inserts a thread with its participants. The insert does
// nothing when the pair or group signature is taken, which is reported as
// chat.ErrConflict.
func (pg *Postgres) CreateThread(ctx context.Context, t chat.Thread, participants []string) (chat.Thread, error) {
	m := &thread{
		ID:        t.ID,
		IsGroup:   t.IsGroup,
		Name:      t.Name,
		CreatedBy: t.CreatedBy,
		PairKey:   t.PairKey,
		GroupID:   t.GroupID,
	}
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().Model(m).On("CONFLICT DO NOTHING").Returning("*").Exec(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return chat.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert thread: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return chat.ErrConflict
		}

		rows := make([]participant, len(participants))
		for i, id := range participants {
			rows[i] = participant{ThreadID: m.ID, UserID: id}
		}
		if len(rows) > 0 {
			if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
				return fmt.Errorf("insert participants: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return chat.Thread{}, classify(err)
	}
	return m.ChatThread(), nil
}

// Participants returns the participant ids of a thread.
func (pg *Postgres) Participants(ctx context.Context, threadID string) ([]string, error) {
	var ids []string
	err := pg.bun.NewSelect().
		Model((*participant)(nil)).
		Column("user_id").
		Where("thread_id = ?", threadID).
		Order("user_id").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", classify(err))
	}
	return ids, nil
}

// nextCreatedAt keeps created_at strictly increasing within a thread even when
// the clock does not advance between two inserts. It must run under the
// thread row lock, or two concurrent inserts can read the same max.
const nextCreatedAt = `GREATEST(clock_timestamp(), COALESCE((SELECT max(created_at) FROM messages WHERE thread_id = ?) + interval '1 microsecond', clock_timestamp()))`

// InsertMessage inserts a message and its attachments. The returned message
// holds server assigned fields, such as the creation time.
func (pg *Postgres) InsertMessage(ctx context.Context, msg chat.Message, refs []chat.AttachmentRef) (chat.Message, error) {
	m := &message{
		ID:       msg.ID,
		ThreadID: msg.ThreadID,
		SenderID: msg.SenderID,
		Content:  msg.Content,
		ReadBy:   msg.ReadBy,
	}
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Inserts into one thread serialize on its row, so creation times
		// follow commit order.
		var locked string
		err := tx.NewSelect().
			Model((*thread)(nil)).
			Column("id").
			Where("id = ?", msg.ThreadID).
			For("UPDATE").
			Scan(ctx, &locked)
		if err != nil {
			return fmt.Errorf("lock thread %s: %w", msg.ThreadID, classify(err))
		}

		_, err = tx.NewInsert().
			Model(m).
			Value("created_at", nextCreatedAt, msg.ThreadID).
			Returning("created_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		m.Attachments = make([]attachment, len(refs))
		for i, ref := range refs {
			m.Attachments[i] = attachment{
				ID:        newID(),
				MessageID: m.ID,
				FilePath:  ref.Path,
				MimeType:  ref.MimeType,
				SizeBytes: ref.SizeBytes,
				CreatedAt: m.CreatedAt,
			}
		}
		if len(m.Attachments) > 0 {
			if _, err := tx.NewInsert().Model(&m.Attachments).Exec(ctx); err != nil {
				return fmt.Errorf("insert attachments: %w", err)
			}
		}

		_, err = tx.NewUpdate().
			Model((*thread)(nil)).
			Set("updated_at = ?", m.CreatedAt).
			Where("id = ?", m.ThreadID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return chat.Message{}, classify(err)
	}
	return m.ChatMessage(), nil
}

// Messages returns the messages with the given ids.
func (pg *Postgres) Messages(ctx context.Context, ids []string) ([]chat.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var msgs []message
	err := pg.selectMessages(&msgs).
		Where("m.id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", classify(err))
	}
	return chatMessages(msgs), nil
}

// ListMessages returns a page of a thread's messages after the cursor.
func (pg *Postgres) ListMessages(ctx context.Context, threadID string, after chat.Cursor, limit int) ([]chat.Message, error) {
	var msgs []message
	q := pg.selectMessages(&msgs).
		Where("m.thread_id = ?", threadID).
		Order("m.created_at ASC", "m.id ASC").
		Limit(limit)

	if !after.IsZero() {
		q = q.Where("(m.created_at, m.id) > (?, ?)", after.CreatedAt, after.ID)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", classify(err))
	}
	return chatMessages(msgs), nil
}

// LatestMessages returns the newest messages of a thread, oldest first.
func (pg *Postgres) LatestMessages(ctx context.Context, threadID string, limit int) ([]chat.Message, error) {
	var msgs []message
	q := pg.selectMessages(&msgs).
		Where("m.thread_id = ?", threadID).
		Order("m.created_at DESC", "m.id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", classify(err))
	}
	slices.Reverse(msgs)
	return chatMessages(msgs), nil
}

func (pg *Postgres) selectMessages(dest *[]message) *bun.SelectQuery {
	return pg.bun.NewSelect().
		Model(dest).
		Relation("Reactions", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("r.created_at ASC", "r.id ASC")
		}).
		Relation("Attachments", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("a.created_at ASC", "a.id ASC")
		})
}

// AddReader appends readerID to read_by of every listed message that does not
// contain it. Each row update is atomic, so concurrent readers never lose
// each other's marks.
func (pg *Postgres) AddReader(ctx context.Context, messageIDs []string, readerID string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	res, err := pg.bun.NewUpdate().
		Model((*message)(nil)).
		Set("read_by = array_append(read_by, ?)", readerID).
		Where("id IN (?)", bun.In(messageIDs)).
		Where("NOT (? = ANY(read_by))", readerID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("update read_by: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// ToggleReaction deletes the (message, user, emoji) reaction, or inserts it
// when there was nothing to delete.
func (pg *Postgres) ToggleReaction(ctx context.Context, r chat.Reaction) (bool, error) {
	var added bool
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*reaction)(nil)).
			Where("message_id = ?", r.MessageID).
			Where("user_id = ?", r.UserID).
			Where("emoji = ?", r.Emoji).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete reaction: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added = false
			return nil
		}

		rm := &reaction{
			ID:        r.ID,
			MessageID: r.MessageID,
			UserID:    r.UserID,
			Emoji:     r.Emoji,
		}
		res, err = tx.NewInsert().
			Model(rm).
			On("CONFLICT (message_id, user_id, emoji) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert reaction: %w", err)
		}
		n, _ := res.RowsAffected()
		added = n > 0
		return nil
	})
	if err != nil {
		return false, classify(err)
	}
	return added, nil
}

func chatMessages(msgs []message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.ChatMessage()
	}
	return out
}
