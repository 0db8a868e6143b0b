// Package memstore provides an in-memory chat.Store. It enforces the same
// uniqueness and atomicity guarantees as the PostgreSQL store and backs the
// development mode and tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pawpal/messaging/chat"
)

// Store is an in-memory chat.Store.
type Store struct {
	mu           sync.Mutex
	users        map[string]bool
	groups       map[string][]string
	threads      map[string]chat.Thread
	pairKeys     map[string]string // pair key -> thread id
	groupThreads map[string]string // group id -> thread id
	participants map[string][]string
	messages     map[string]*chat.Message
	byThread     map[string][]string // thread id -> message ids in insertion order
	lastAt       map[string]time.Time
	now          func() time.Time
}

var _ chat.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:        make(map[string]bool),
		groups:       make(map[string][]string),
		threads:      make(map[string]chat.Thread),
		pairKeys:     make(map[string]string),
		groupThreads: make(map[string]string),
		participants: make(map[string][]string),
		messages:     make(map[string]*chat.Message),
		byThread:     make(map[string][]string),
		lastAt:       make(map[string]time.Time),
		now:          time.Now,
	}
}

// AddUser registers user profiles.
func (s *Store) AddUser(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.users[id] = true
	}
}

// SetGroup replaces the roster of a group, creating the group if needed.
func (s *Store) SetGroup(groupID string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = slices.Clone(members)
	for _, id := range members {
		s.users[id] = true
	}
}

// ThreadCount returns the number of stored threads.
func (s *Store) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

func (s *Store) UserExists(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID], nil
}

func (s *Store) GroupRoster(_ context.Context, groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster, ok := s.groups[groupID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return slices.Clone(roster), nil
}

func (s *Store) Thread(_ context.Context, id string) (chat.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return chat.Thread{}, chat.ErrNotFound
	}
	return t, nil
}

func (s *Store) ThreadByPairKey(_ context.Context, key string) (chat.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pairKeys[key]
	if !ok {
		return chat.Thread{}, chat.ErrNotFound
	}
	return s.threads[id], nil
}

func (s *Store) ThreadByGroup(_ context.Context, groupID string) (chat.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.groupThreads[groupID]
	if !ok {
		return chat.Thread{}, chat.ErrNotFound
	}
	return s.threads[id], nil
}

func (s *Store) CreateThread(_ context.Context, t chat.Thread, participants []string) (chat.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.PairKey != "" {
		if _, taken := s.pairKeys[t.PairKey]; taken {
			return chat.Thread{}, chat.ErrConflict
		}
	}
	if t.GroupID != "" {
		if _, taken := s.groupThreads[t.GroupID]; taken {
			return chat.Thread{}, chat.ErrConflict
		}
	}
	if _, taken := s.threads[t.ID]; taken {
		return chat.Thread{}, chat.ErrConflict
	}

	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.threads[t.ID] = t
	if t.PairKey != "" {
		s.pairKeys[t.PairKey] = t.ID
	}
	if t.GroupID != "" {
		s.groupThreads[t.GroupID] = t.ID
	}
	s.participants[t.ID] = slices.Clone(participants)
	return t, nil
}

func (s *Store) Participants(_ context.Context, threadID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.participants[threadID]), nil
}

func (s *Store) InsertMessage(_ context.Context, msg chat.Message, refs []chat.AttachmentRef) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[msg.ThreadID]
	if !ok {
		return chat.Message{}, fmt.Errorf("thread %s: %w", msg.ThreadID, chat.ErrNotFound)
	}
	if _, taken := s.messages[msg.ID]; taken {
		return chat.Message{}, chat.ErrConflict
	}

	at := s.now().UTC()
	if last := s.lastAt[msg.ThreadID]; !at.After(last) {
		at = last.Add(time.Microsecond)
	}
	s.lastAt[msg.ThreadID] = at
	msg.CreatedAt = at
	msg.ReadBy = slices.Clone(msg.ReadBy)
	msg.Reactions = nil
	msg.Attachments = nil
	for _, ref := range refs {
		msg.Attachments = append(msg.Attachments, chat.Attachment{
			ID:        uuid.NewString(),
			MessageID: msg.ID,
			FilePath:  ref.Path,
			MimeType:  ref.MimeType,
			SizeBytes: ref.SizeBytes,
			CreatedAt: at,
		})
	}

	stored := msg
	s.messages[msg.ID] = &stored
	s.byThread[msg.ThreadID] = append(s.byThread[msg.ThreadID], msg.ID)
	t.UpdatedAt = at
	s.threads[t.ID] = t
	return copyMessage(&stored), nil
}

func (s *Store) Messages(_ context.Context, ids []string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

func (s *Store) ListMessages(_ context.Context, threadID string, after chat.Cursor, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []chat.Message
	for _, id := range s.byThread[threadID] {
		m := s.messages[id]
		if after.Before(*m) {
			all = append(all, copyMessage(m))
		}
	}
	chat.SortMessages(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) LatestMessages(_ context.Context, threadID string, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]chat.Message, 0, len(s.byThread[threadID]))
	for _, id := range s.byThread[threadID] {
		all = append(all, copyMessage(s.messages[id]))
	}
	chat.SortMessages(all)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *Store) AddReader(_ context.Context, messageIDs []string, readerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || slices.Contains(m.ReadBy, readerID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, readerID)
		n++
	}
	return n, nil
}

func (s *Store) ToggleReaction(_ context.Context, r chat.Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[r.MessageID]
	if !ok {
		return false, fmt.Errorf("message %s: %w", r.MessageID, chat.ErrNotFound)
	}
	for i, existing := range m.Reactions {
		if existing.UserID == r.UserID && existing.Emoji == r.Emoji {
			m.Reactions = slices.Delete(m.Reactions, i, i+1)
			return false, nil
		}
	}
	r.CreatedAt = s.now().UTC()
	m.Reactions = append(m.Reactions, r)
	return true, nil
}

func copyMessage(m *chat.Message) chat.Message {
	out := *m
	out.ReadBy = append([]string{}, m.ReadBy...)
	out.Reactions = append([]chat.Reaction{}, m.Reactions...)
	out.Attachments = append([]chat.Attachment{}, m.Attachments...)
	return out
}
