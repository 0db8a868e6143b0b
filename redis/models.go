package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pawpal/messaging/realtime"
)

// envelopeVersion is bumped when the wire shape of an envelope changes.
const envelopeVersion = 1

// An envelope is a realtime event as published on a Redis channel.
type envelope struct {
	V         int       `json:"v"`
	Kind      string    `json:"kind"`
	Table     string    `json:"table,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	At        time.Time `json:"at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Status    string    `json:"status,omitempty"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	URL       string    `json:"url,omitempty"`
}

func encodeEvent(ev realtime.Event) ([]byte, error) {
	return json.Marshal(envelope{
		V:         envelopeVersion,
		Kind:      string(ev.Kind),
		Table:     ev.Table,
		ThreadID:  ev.ThreadID,
		UserID:    ev.UserID,
		At:        ev.At,
		ExpiresAt: ev.ExpiresAt,
		Status:    ev.Status,
		Title:     ev.Title,
		Body:      ev.Body,
		URL:       ev.URL,
	})
}

func decodeEvent(payload string) (realtime.Event, error) {
	var e envelope
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return realtime.Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.V != envelopeVersion {
		return realtime.Event{}, fmt.Errorf("unsupported envelope version %d", e.V)
	}
	if e.Kind == string(realtime.KindPoll) || e.Kind == "" {
		return realtime.Event{}, fmt.Errorf("unexpected event kind %q", e.Kind)
	}
	return realtime.Event{
		Kind:      realtime.Kind(e.Kind),
		Table:     e.Table,
		ThreadID:  e.ThreadID,
		UserID:    e.UserID,
		At:        e.At,
		ExpiresAt: e.ExpiresAt,
		Status:    e.Status,
		Title:     e.Title,
		Body:      e.Body,
		URL:       e.URL,
	}, nil
}
