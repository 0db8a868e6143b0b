package api

import (
	"time"

	"github.com/pawpal/messaging/api/validator"
	"github.com/pawpal/messaging/chat"
)

// A messagePage is one page of a thread's history. Next is the cursor to pass
// back as after_time and after_id.
type messagePage struct {
	Messages []chat.Message `json:"messages"`
	Next     *cursor        `json:"next,omitempty"`
	More     bool           `json:"more"`
}

type cursor struct {
	AfterTime time.Time `json:"after_time"`
	AfterID   string    `json:"after_id"`
}

type validationResponse struct {
	Errors []validator.ValidationError `json:"errors"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newMessagePage(p chat.Page) messagePage {
	res := messagePage{Messages: p.Messages, More: p.More}
	if res.Messages == nil {
		res.Messages = []chat.Message{}
	}
	if !p.Next.IsZero() {
		res.Next = &cursor{AfterTime: p.Next.CreatedAt, AfterID: p.Next.ID}
	}
	return res
}
