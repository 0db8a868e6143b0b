package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Registry resolves the canonical thread of a user pair or a group, creating it
// on first contact. Concurrent resolutions of the same pair or group converge
// on one thread through the store's uniqueness constraint.
type Registry struct {
	Store  Store
	Logger *slog.Logger
}

// ResolveDirect returns the direct thread between userA and userB. The caller
// must be one of them.
func (r *Registry) ResolveDirect(ctx context.Context, caller, userA, userB string) (Thread, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return Thread{}, Invalid("user_id", "is required")
	}
	if userA == userB {
		return Thread{}, Invalid("user_id", "cannot start a conversation with yourself")
	}
	if caller != userA && caller != userB {
		return Thread{}, fmt.Errorf("resolve direct thread: caller %s: %w", caller, ErrForbidden)
	}

	key := PairKey(userA, userB)
	t, err := r.Store.ThreadByPairKey(ctx, key)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Thread{}, fmt.Errorf("lookup direct thread: %w", err)
	}

	for _, id := range []string{userA, userB} {
		ok, err := r.Store.UserExists(ctx, id)
		if err != nil {
			return Thread{}, fmt.Errorf("lookup user: %w", err)
		}
		if !ok {
			return Thread{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
	}

	t, err = r.Store.CreateThread(ctx, Thread{
		ID:        uuid.NewString(),
		CreatedBy: caller,
		PairKey:   key,
	}, []string{userA, userB})
	if errors.Is(err, ErrConflict) {
		r.Logger.Debug("Direct thread created concurrently, re-querying", "pair_key", key)
		t, err = r.Store.ThreadByPairKey(ctx, key)
	}
	if err != nil {
		return Thread{}, fmt.Errorf("create direct thread: %w", err)
	}
	r.Logger.Info("Resolved direct thread", "thread_id", t.ID, "pair_key", key)
	return t, nil
}

// ResolveGroup returns the thread tagged to groupID. On creation the
// participants are seeded from a snapshot of the group's current roster. The
// caller must be a member of the roster.
func (r *Registry) ResolveGroup(ctx context.Context, caller, groupID, name string) (Thread, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return Thread{}, Invalid("group_id", "is required")
	}

	roster, err := r.Store.GroupRoster(ctx, groupID)
	if err != nil {
		return Thread{}, fmt.Errorf("group roster %s: %w", groupID, err)
	}
	if !slices.Contains(roster, caller) {
		return Thread{}, fmt.Errorf("resolve group thread: caller %s: %w", caller, ErrForbidden)
	}

	t, err := r.Store.ThreadByGroup(ctx, groupID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Thread{}, fmt.Errorf("lookup group thread: %w", err)
	}

	members := slices.Clone(roster)
	slices.Sort(members)
	members = slices.Compact(members)

	t, err = r.Store.CreateThread(ctx, Thread{
		ID:        uuid.NewString(),
		IsGroup:   true,
		Name:      name,
		CreatedBy: caller,
		GroupID:   groupID,
	}, members)
	if errors.Is(err, ErrConflict) {
		r.Logger.Debug("Group thread created concurrently, re-querying", "group_id", groupID)
		t, err = r.Store.ThreadByGroup(ctx, groupID)
	}
	if err != nil {
		return Thread{}, fmt.Errorf("create group thread: %w", err)
	}
	r.Logger.Info("Resolved group thread", "thread_id", t.ID, "group_id", groupID, "participants", len(members))
	return t, nil
}

// Participants returns the participant ids of a thread.
func (r *Registry) Participants(ctx context.Context, threadID string) ([]string, error) {
	if _, err := r.Store.Thread(ctx, threadID); err != nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, err)
	}
	ids, err := r.Store.Participants(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return ids, nil
}

// Authorize returns ErrNotFound if the thread does not exist and ErrForbidden
// if userID does not participate in it.
func (r *Registry) Authorize(ctx context.Context, threadID, userID string) error {
	ids, err := r.Participants(ctx, threadID)
	if err != nil {
		return err
	}
	if !slices.Contains(ids, userID) {
		return fmt.Errorf("thread %s: user %s: %w", threadID, userID, ErrForbidden)
	}
	return nil
}
