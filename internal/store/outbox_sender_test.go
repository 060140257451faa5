package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

type fakeTransport struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeTransport) send(ctx context.Context, contactID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("transport unavailable")
	}
	f.sent = append(f.sent, contactID+":"+body)
	return nil
}

func seedTicketAndMessage(t *testing.T, s *InMemoryStore) *models.Ticket {
	t.Helper()
	ticket, err := s.GetOrCreateTicketByContact("+5511988880000")
	if err != nil {
		t.Fatalf("GetOrCreateTicketByContact failed: %v", err)
	}
	err = s.AddMessage(models.Message{
		ID:       "m1",
		TicketID: ticket.ID,
		Author:   models.MessageAuthorBot,
		Body:     "welcome",
		Status:   models.MessageStatusPending,
	})
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	return ticket
}

func TestOutboxSenderDelivers(t *testing.T) {
	s := NewInMemoryStore()
	ticket := seedTicketAndMessage(t, s)
	tr := &fakeTransport{}
	sender := NewOutboxSender(s, tr.send)

	sender.ProcessOnce(context.Background())

	if len(tr.sent) != 1 || tr.sent[0] != ticket.ContactID+":welcome" {
		t.Fatalf("unexpected deliveries: %v", tr.sent)
	}
	msgs, _ := s.ListMessages(ticket.ID)
	if msgs[0].Status != models.MessageStatusSent || msgs[0].SentAt == nil {
		t.Errorf("message not marked sent: %+v", msgs[0])
	}
}

func TestOutboxSenderRequeuesOnFailure(t *testing.T) {
	s := NewInMemoryStore()
	ticket := seedTicketAndMessage(t, s)
	tr := &fakeTransport{fails: 1}
	sender := NewOutboxSender(s, tr.send)

	sender.ProcessOnce(context.Background())

	msgs, _ := s.ListMessages(ticket.ID)
	if msgs[0].Status != models.MessageStatusPending {
		t.Fatalf("expected message requeued, got %s", msgs[0].Status)
	}
	if msgs[0].LastError == "" {
		t.Errorf("expected last error recorded")
	}

	// The next poll retries and succeeds.
	sender.ProcessOnce(context.Background())
	msgs, _ = s.ListMessages(ticket.ID)
	if msgs[0].Status != models.MessageStatusSent {
		t.Errorf("expected message sent after retry, got %s", msgs[0].Status)
	}
	if msgs[0].Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", msgs[0].Attempts)
	}
}

func TestOutboxSenderFailsAfterMaxAttempts(t *testing.T) {
	s := NewInMemoryStore()
	ticket := seedTicketAndMessage(t, s)
	tr := &fakeTransport{fails: 100}
	sender := NewOutboxSender(s, tr.send, WithOutboxMaxAttempts(2))

	for i := 0; i < 3; i++ {
		sender.ProcessOnce(context.Background())
	}

	msgs, _ := s.ListMessages(ticket.ID)
	if msgs[0].Status != models.MessageStatusFailed {
		t.Fatalf("expected message failed after max attempts, got %s", msgs[0].Status)
	}
}

func TestOutboxSenderStartStopsOnCancel(t *testing.T) {
	s := NewInMemoryStore()
	tr := &fakeTransport{}
	sender := NewOutboxSender(s, tr.send, WithOutboxInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sender.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sender did not stop after cancel")
	}
}
