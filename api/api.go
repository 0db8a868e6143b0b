package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/pawpal/messaging/api/validator"
	"github.com/pawpal/messaging/chat"
	"github.com/pawpal/messaging/presence"
	"github.com/pawpal/messaging/realtime"
	"github.com/pawpal/messaging/session"
	"github.com/pawpal/messaging/typing"
	"github.com/pawpal/messaging/uploads"
)

// CallerHeader carries the authenticated user id, set by the auth gateway in
// front of the service.
const CallerHeader = "X-User-ID"

// keepAlive is the interval of SSE comments that keep idle streams open and
// count as presence heartbeats.
var keepAlive = 15 * time.Second

// API provides the REST and SSE endpoints for the application.
type API struct {
	Logger   *slog.Logger
	Registry *chat.Registry
	Messages *chat.Messages
	Presence *presence.Tracker
	Signaler *typing.Signaler
	// Uploads is optional. Without it attachments are rejected.
	Uploads *uploads.Presigner
	Channel realtime.Channel
	Session session.Config
	Val     *validator.Validator

	once sync.Once
	mux  *http.ServeMux

	connMu sync.Mutex
	conns  map[string]int
}

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /threads/direct", a.authenticated(a.resolveDirect))
	mux.HandleFunc("POST /threads/group", a.authenticated(a.resolveGroup))
	mux.HandleFunc("GET /threads/{threadID}/messages", a.authenticated(a.listMessages))
	mux.HandleFunc("POST /threads/{threadID}/messages", a.authenticated(a.createMessage))
	mux.HandleFunc("POST /threads/{threadID}/read", a.authenticated(a.markRead))
	mux.HandleFunc("POST /threads/{threadID}/typing", a.authenticated(a.setTyping))
	mux.HandleFunc("POST /threads/{threadID}/uploads", a.authenticated(a.createUpload))
	mux.HandleFunc("GET /threads/{threadID}/events", a.authenticated(a.streamEvents))
	mux.HandleFunc("POST /messages/{messageID}/reactions", a.authenticated(a.toggleReaction))
	mux.HandleFunc("POST /presence/heartbeat", a.authenticated(a.heartbeat))
	mux.HandleFunc("DELETE /presence", a.authenticated(a.leave))
	mux.HandleFunc("GET /presence/{userID}", a.authenticated(a.getPresence))
	if a.Uploads != nil {
		mux.Handle("PUT /uploads/{path...}", a.Uploads.Handler())
	}

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

func (a *API) authenticated(h func(w http.ResponseWriter, r *http.Request, caller string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(CallerHeader)
		if caller == "" {
			a.respond(w, http.StatusUnauthorized, errorResponse{Error: "Missing " + CallerHeader + " header"})
			return
		}
		h(w, r, caller)
	}
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	if status >= http.StatusInternalServerError {
		a.Logger.Error("Error", "error", err.Error())
	} else {
		a.Logger.Info("Request failed", "status", status, "error", err.Error())
	}
	a.respond(w, status, errorResponse{Error: msg})
}

// fail responds with the status of err's class in the chat error taxonomy.
func (a *API) fail(w http.ResponseWriter, err error, msg string) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		a.Logger.Info("Request rejected", "error", err.Error())
		a.respond(w, http.StatusBadRequest, validationResponse{
			Errors: []validator.ValidationError{{Field: verr.Field, Message: verr.Message}},
		})
	case errors.Is(err, chat.ErrNotFound):
		a.respondError(w, http.StatusNotFound, err, "Not found")
	case errors.Is(err, chat.ErrForbidden):
		a.respondError(w, http.StatusForbidden, err, "Forbidden")
	case errors.Is(err, chat.ErrConflict):
		a.respondError(w, http.StatusConflict, err, "Conflict")
	case errors.Is(err, chat.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		a.respondError(w, http.StatusServiceUnavailable, err, "Temporarily unavailable, retry")
	default:
		a.respondError(w, http.StatusInternalServerError, err, msg)
	}
}

// decodeBody decodes and validates a JSON request body into s. It responds
// and returns false if the body is unusable.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, s any) bool {
	if err := json.NewDecoder(r.Body).Decode(s); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	if err := r.Body.Close(); err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not close request body")
		return false
	}
	return a.validateBody(w, s)
}

func (a *API) validateBody(w http.ResponseWriter, s any) bool {
	errs := a.Val.ValidateStruct(s)
	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &validationResponse{
			Errors: errs,
		})
		return false
	}
	return true
}

func (a *API) resolveDirect(w http.ResponseWriter, r *http.Request, caller string) {
	type request struct {
		UserID string `json:"user_id" validate:"required"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	t, err := a.Registry.ResolveDirect(r.Context(), caller, caller, body.UserID)
	if err != nil {
		a.fail(w, err, "Could not resolve thread")
		return
	}
	a.respond(w, http.StatusOK, t)
}

func (a *API) resolveGroup(w http.ResponseWriter, r *http.Request, caller string) {
	type request struct {
		GroupID string `json:"group_id" validate:"required"`
		Name    string `json:"name" validate:"max=200"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	t, err := a.Registry.ResolveGroup(r.Context(), caller, body.GroupID, body.Name)
	if err != nil {
		a.fail(w, err, "Could not resolve thread")
		return
	}
	a.respond(w, http.StatusOK, t)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request, caller string) {
	threadID := r.PathValue("threadID")
	q := r.URL.Query()

	var after chat.Cursor
	if s := q.Get("after_time"); s != "" {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			a.fail(w, chat.Invalid("after_time", "must be an RFC 3339 timestamp"), "")
			return
		}
		after = chat.Cursor{CreatedAt: ts, ID: q.Get("after_id")}
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			a.fail(w, chat.Invalid("limit", "must be a positive integer"), "")
			return
		}
		limit = n
	}

	page, err := a.Messages.ListSince(r.Context(), caller, threadID, after, limit)
	if err != nil {
		a.fail(w, err, "Could not list messages")
		return
	}
	a.Logger.Info("Listed messages", "thread_id", threadID, "count", len(page.Messages))
	a.respond(w, http.StatusOK, newMessagePage(page))
}

func (a *API) createMessage(w http.ResponseWriter, r *http.Request, caller string) {
	type request struct {
		Content     string   `json:"content" validate:"max=4000"`
		Attachments []string `json:"attachments" validate:"max=10"`
	}

	threadID := r.PathValue("threadID")
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	refs := make([]chat.AttachmentRef, 0, len(body.Attachments))
	for _, path := range body.Attachments {
		if a.Uploads == nil {
			a.fail(w, chat.Invalid("attachments", "attachments are not supported"), "")
			return
		}
		ref, err := a.Uploads.Confirm(r.Context(), threadID, caller, path)
		if err != nil {
			a.fail(w, err, "Could not confirm attachment")
			return
		}
		refs = append(refs, ref)
	}

	msg, err := a.Messages.Append(r.Context(), threadID, caller, body.Content, refs)
	if err != nil {
		a.fail(w, err, "Could not send message")
		return
	}
	a.activity(r.Context(), caller)
	a.respond(w, http.StatusCreated, msg)
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request, caller string) {
	type (
		request struct {
			MessageIDs []string `json:"message_ids" validate:"required,min=1,max=500,dive,required"`
		}
		response struct {
			Updated int `json:"updated"`
		}
	)

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	// Every message must belong to the thread in the path.
	threadID := r.PathValue("threadID")
	msgs, err := a.Messages.Store.Messages(r.Context(), body.MessageIDs)
	if err != nil {
		a.fail(w, err, "Could not mark messages read")
		return
	}
	if i := slices.IndexFunc(msgs, func(m chat.Message) bool { return m.ThreadID != threadID }); i >= 0 {
		a.fail(w, chat.Invalid("message_ids", "message %s is not in this thread", msgs[i].ID), "")
		return
	}

	n, err := a.Messages.MarkRead(r.Context(), body.MessageIDs, caller)
	if err != nil {
		a.fail(w, err, "Could not mark messages read")
		return
	}
	a.respond(w, http.StatusOK, response{Updated: n})
}

func (a *API) toggleReaction(w http.ResponseWriter, r *http.Request, caller string) {
	type (
		request struct {
			Emoji string `json:"emoji" validate:"required"`
		}
		response struct {
			MessageID string `json:"message_id"`
			UserID    string `json:"user_id"`
			Emoji     string `json:"emoji"`
			Reacted   bool   `json:"reacted"`
		}
	)

	messageID := r.PathValue("messageID")
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	added, err := a.Messages.React(r.Context(), messageID, caller, body.Emoji)
	if err != nil {
		a.fail(w, err, "Could not toggle reaction")
		return
	}
	a.activity(r.Context(), caller)

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	a.respond(w, status, response{
		MessageID: messageID,
		UserID:    caller,
		Emoji:     body.Emoji,
		Reacted:   added,
	})
}

func (a *API) setTyping(w http.ResponseWriter, r *http.Request, caller string) {
	type request struct {
		Typing bool `json:"typing"`
	}

	threadID := r.PathValue("threadID")
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	if err := a.Registry.Authorize(r.Context(), threadID, caller); err != nil {
		a.fail(w, err, "Could not signal typing")
		return
	}

	var err error
	if body.Typing {
		err = a.Signaler.StartTyping(r.Context(), threadID, caller)
		a.activity(r.Context(), caller)
	} else {
		err = a.Signaler.StopTyping(r.Context(), threadID, caller)
	}
	if err != nil {
		a.fail(w, chat.Transient(err), "Could not signal typing")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createUpload(w http.ResponseWriter, r *http.Request, caller string) {
	type request struct {
		FileName  string `json:"file_name" validate:"required,max=255"`
		SizeBytes int64  `json:"size_bytes" validate:"gt=0"`
		MimeType  string `json:"mime_type" validate:"required"`
	}

	threadID := r.PathValue("threadID")
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	if a.Uploads == nil {
		a.fail(w, chat.Invalid("attachments", "attachments are not supported"), "")
		return
	}
	if err := a.Registry.Authorize(r.Context(), threadID, caller); err != nil {
		a.fail(w, err, "Could not create upload")
		return
	}

	ticket, err := a.Uploads.PresignUpload(r.Context(), uploads.UploadRequest{
		ThreadID:  threadID,
		UserID:    caller,
		FileName:  body.FileName,
		SizeBytes: body.SizeBytes,
		MimeType:  body.MimeType,
	})
	if err != nil {
		a.fail(w, err, "Could not create upload")
		return
	}
	a.respond(w, http.StatusCreated, ticket)
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request, caller string) {
	type request struct {
		Active bool `json:"active"`
	}

	var body request
	if r.ContentLength != 0 && !a.decodeBody(w, r, &body) {
		return
	}
	now := time.Now()
	if body.Active {
		a.Presence.Activity(r.Context(), caller, now)
	} else {
		a.Presence.Heartbeat(r.Context(), caller, now)
	}
	a.respond(w, http.StatusOK, a.Presence.Get(caller))
}

func (a *API) leave(w http.ResponseWriter, r *http.Request, caller string) {
	a.Presence.Leave(r.Context(), caller, time.Now())
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getPresence(w http.ResponseWriter, r *http.Request, _ string) {
	a.respond(w, http.StatusOK, a.Presence.Get(r.PathValue("userID")))
}

func (a *API) activity(ctx context.Context, userID string) {
	if a.Presence != nil {
		a.Presence.Activity(ctx, userID, time.Now())
	}
}
