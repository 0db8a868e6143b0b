package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/neilotoole/slogt"

	"github.com/pawpal/messaging/realtime"
)

type testsender struct {
	mu   sync.Mutex
	sent []string
	send func(userID string) error
}

func (s *testsender) Send(_ context.Context, userID string, n Notification) error {
	s.mu.Lock()
	s.sent = append(s.sent, userID)
	s.mu.Unlock()
	if s.send != nil {
		return s.send(userID)
	}
	return nil
}

func TestFanout(t *testing.T) {
	sender := &testsender{send: func(userID string) error {
		if userID == "bob" {
			return errors.New("no device registered")
		}
		return nil
	}}
	f := &Fanout{Sender: sender, Logger: slogt.New(t)}

	users := make([]string, 20)
	for i := range users {
		users[i] = fmt.Sprintf("user%d", i)
	}
	users = append(users, "bob")
	f.Notify(context.Background(), users, Notification{Title: "alice", Body: "hi"})

	slices.Sort(sender.sent)
	want := slices.Clone(users)
	slices.Sort(want)
	if diff := cmp.Diff(want, sender.sent); diff != "" {
		t.Errorf("Recipients mismatch (-want +got):\n%s", diff)
	}
}

func TestRealtime_Send(t *testing.T) {
	hub := realtime.NewHub(slogt.New(t))
	sub, _ := hub.Subscribe(context.Background(), realtime.UserTopic("bob"))
	defer sub.Close()

	n := Notification{Title: "alice", Body: "Sent an attachment", URL: "/messages/t1"}
	if err := (Realtime{Publisher: hub}).Send(context.Background(), "bob", n); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-sub.Events():
		want := realtime.Event{Kind: realtime.KindNotify, UserID: "bob", Title: "alice", Body: "Sent an attachment", URL: "/messages/t1"}
		if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(realtime.Event{}, "At")); diff != "" {
			t.Errorf("Event mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for notification")
	}
}
