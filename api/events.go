package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/pawpal/messaging/chat"
	"github.com/pawpal/messaging/session"
)

// streamEvents opens a session on the thread and streams its view as server
// sent events. A "view" event is written on connect and after every change.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request, caller string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.respondError(w, http.StatusInternalServerError, fmt.Errorf("%T is not a flusher", w), "Streaming unsupported")
		return
	}

	ctx := r.Context()
	threadID := r.PathValue("threadID")
	participants, err := a.Registry.Participants(ctx, threadID)
	if err != nil {
		a.fail(w, err, "Could not open thread")
		return
	}
	if !slices.Contains(participants, caller) {
		a.fail(w, fmt.Errorf("thread %s: user %s: %w", threadID, caller, chat.ErrForbidden), "")
		return
	}

	deps := session.Deps{
		Messages: a.Messages,
		Channel:  a.Channel,
		Signaler: a.Signaler,
	}
	if a.Uploads != nil {
		deps.Uploads = a.Uploads
	}
	if a.Presence != nil {
		deps.Presence = a.Presence
	}
	sess := session.New(caller, deps, a.Session, a.Logger)
	defer sess.End(context.WithoutCancel(ctx))

	if err := sess.Start(ctx); err != nil {
		a.fail(w, chat.Transient(err), "Could not subscribe")
		return
	}
	if err := sess.Open(ctx, threadID); err != nil {
		a.fail(w, err, "Could not open thread")
		return
	}
	for _, id := range participants {
		if id == caller {
			continue
		}
		if err := sess.WatchPresence(ctx, id); err != nil {
			a.Logger.Warn("Could not watch presence", "user_id", id, "error", err.Error())
		}
	}

	a.connect(ctx, caller)
	defer a.disconnect(context.WithoutCancel(ctx), caller)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	a.Logger.Info("Event stream opened", "thread_id", threadID, "user_id", caller)

	if !a.writeView(w, flusher, sess.View()) {
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Logger.Info("Event stream closed", "thread_id", threadID, "user_id", caller)
			return
		case <-sess.Changes():
			if !a.writeView(w, flusher, sess.View()) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			if a.Presence != nil {
				a.Presence.Heartbeat(ctx, caller, time.Now())
			}
		}
	}
}

func (a *API) writeView(w http.ResponseWriter, flusher http.Flusher, v session.View) bool {
	data, err := json.Marshal(v)
	if err != nil {
		a.Logger.Error("Could not encode view", "error", err.Error())
		return false
	}
	if _, err := fmt.Fprintf(w, "event: view\ndata: %s\n\n", data); err != nil {
		a.Logger.Info("Event stream write failed", "error", err.Error())
		return false
	}
	flusher.Flush()
	return true
}

// connect counts an open stream of userID. The first one joins presence.
func (a *API) connect(ctx context.Context, userID string) {
	a.connMu.Lock()
	if a.conns == nil {
		a.conns = make(map[string]int)
	}
	a.conns[userID]++
	first := a.conns[userID] == 1
	a.connMu.Unlock()

	if first && a.Presence != nil {
		a.Presence.Join(ctx, userID, time.Now())
	}
}

// disconnect releases a stream of userID. The last one leaves presence.
func (a *API) disconnect(ctx context.Context, userID string) {
	a.connMu.Lock()
	a.conns[userID]--
	last := a.conns[userID] <= 0
	if last {
		delete(a.conns, userID)
	}
	a.connMu.Unlock()

	if last && a.Presence != nil {
		a.Presence.Leave(ctx, userID, time.Now())
	}
}

// Connections returns the number of open event streams of userID.
func (a *API) Connections(userID string) int {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conns[userID]
}
