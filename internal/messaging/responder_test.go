package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/flow"
	"github.com/FlowDeskHQ/FlowDesk/internal/models"
	"github.com/FlowDeskHQ/FlowDesk/internal/store"
	"github.com/google/uuid"
)

// mockService is an in-memory Service for tests.
type mockService struct {
	responses chan models.Response
	sent      []string
}

func newMockService() *mockService {
	return &mockService{responses: make(chan models.Response, 10)}
}

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number %q", recipient)
	}
	return canonical, nil
}

func (m *mockService) SendMessage(ctx context.Context, to string, body string) error {
	m.sent = append(m.sent, to+":"+body)
	return nil
}

func (m *mockService) Start(ctx context.Context) error { return nil }
func (m *mockService) Stop() error                     { close(m.responses); return nil }

func (m *mockService) Responses() <-chan models.Response { return m.responses }

const responderFlowDef = `{
	"entryNodeId": "hi",
	"nodes": [
		{"id": "hi", "type": "message", "content": "Hi there", "next": "ask"},
		{"id": "ask", "type": "input", "content": "What do you need?", "field": "need", "next": "bye"},
		{"id": "bye", "type": "end", "content": "On it!"}
	]
}`

func newResponderFixture(t *testing.T) (*Responder, *mockService, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	err := st.UpsertFlow(models.Flow{
		ID:         "triage",
		Name:       "Triage",
		Trigger:    models.FlowTriggerDefault,
		Active:     true,
		Definition: []byte(responderFlowDef),
	})
	if err != nil {
		t.Fatalf("UpsertFlow failed: %v", err)
	}
	svc := newMockService()
	sessions := flow.NewSessionManager(st, NewStoreDispatcher(st))
	return NewResponder(svc, st, sessions), svc, st
}

func waitForMessages(t *testing.T, st *store.InMemoryStore, ticketID string, want int) []models.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := st.ListMessages(ticketID)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) >= want {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs, _ := st.ListMessages(ticketID)
	t.Fatalf("timed out waiting for %d messages, have %d", want, len(msgs))
	return nil
}

func TestResponderStartsConversation(t *testing.T) {
	r, svc, st := newResponderFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	svc.responses <- models.Response{From: "+55 11 99999-0000", Body: "oi", Time: time.Now().Unix()}

	ticket, err := st.GetOrCreateTicketByContact("5511999990000")
	if err != nil {
		t.Fatalf("GetOrCreateTicketByContact failed: %v", err)
	}
	// One inbound message plus the two bot replies queued for the outbox.
	msgs := waitForMessages(t, st, ticket.ID, 3)

	var inbound, pending int
	for _, m := range msgs {
		switch m.Author {
		case models.MessageAuthorContact:
			inbound++
		case models.MessageAuthorBot:
			if m.Status != models.MessageStatusPending {
				t.Errorf("bot message not pending: %+v", m)
			}
			pending++
		}
	}
	if inbound != 1 || pending != 2 {
		t.Errorf("got %d inbound and %d pending bot messages, want 1 and 2", inbound, pending)
	}

	sess, err := st.GetActiveSessionForTicket(ticket.ID)
	if err != nil {
		t.Fatalf("GetActiveSessionForTicket failed: %v", err)
	}
	if sess == nil || sess.State.WaitingFor == nil || sess.State.WaitingFor.NodeID != "ask" {
		t.Errorf("expected session suspended at ask, got %+v", sess)
	}
}

func TestResponderCompletesConversation(t *testing.T) {
	r, svc, st := newResponderFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	svc.responses <- models.Response{From: "5511999990000", Body: "oi", Time: time.Now().Unix()}
	ticket, _ := st.GetOrCreateTicketByContact("5511999990000")
	waitForMessages(t, st, ticket.ID, 3)

	svc.responses <- models.Response{From: "5511999990000", Body: "my invoice is missing", Time: time.Now().Unix()}
	waitForMessages(t, st, ticket.ID, 5)

	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := st.GetActiveSessionForTicket(ticket.ID)
		if err != nil {
			t.Fatalf("GetActiveSessionForTicket failed: %v", err)
		}
		if sess == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never completed: %+v", sess)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResponderDropsInvalidSender(t *testing.T) {
	r, svc, st := newResponderFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	svc.responses <- models.Response{From: "??", Body: "oi", Time: time.Now().Unix()}
	// Give the responder a moment; no ticket should appear.
	time.Sleep(50 * time.Millisecond)

	flows, _ := st.ListFlows()
	if len(flows) != 1 {
		t.Fatalf("fixture broke: %d flows", len(flows))
	}
	if _, err := st.GetTicket("anything"); err == nil {
		t.Error("unexpected ticket")
	}
}

// racyTicketStore recreates the SELECT-then-INSERT window of the SQL-backed
// stores: the open-ticket check and the create are separated by a pause, so
// callers that are not serialized per contact each create their own ticket.
type racyTicketStore struct {
	store.Store
	mu      sync.Mutex
	open    map[string]*models.Ticket
	created int
}

func newRacyTicketStore(inner store.Store) *racyTicketStore {
	return &racyTicketStore{Store: inner, open: make(map[string]*models.Ticket)}
}

func (s *racyTicketStore) GetOrCreateTicketByContact(contactID string) (*models.Ticket, error) {
	s.mu.Lock()
	existing := s.open[contactID]
	s.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	// Widen the window between the check and the create.
	time.Sleep(20 * time.Millisecond)

	now := time.Now()
	ticket := &models.Ticket{
		ID:             uuid.NewString(),
		ContactID:      contactID,
		Status:         models.TicketStatusOpen,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	s.mu.Lock()
	s.open[contactID] = ticket
	s.created++
	s.mu.Unlock()
	return ticket, nil
}

func (s *racyTicketStore) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

func (s *racyTicketStore) openTicket(contactID string) *models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[contactID]
}

func TestResponderSerializesFirstMessagesPerContact(t *testing.T) {
	// No flows seeded: only ticket creation matters here.
	racy := newRacyTicketStore(store.NewInMemoryStore())
	svc := newMockService()
	sessions := flow.NewSessionManager(racy, NewStoreDispatcher(racy))
	r := NewResponder(svc, racy, sessions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	// Two near-simultaneous first messages from one new contact, differently
	// formatted so canonicalization must also agree.
	svc.responses <- models.Response{From: "+55 11 97777-0000", Body: "oi", Time: time.Now().Unix()}
	svc.responses <- models.Response{From: "+55 (11) 97777-0000", Body: "oi de novo", Time: time.Now().Unix()}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ticket := racy.openTicket("5511977770000"); ticket != nil {
			if msgs, err := racy.ListMessages(ticket.ID); err == nil && len(msgs) >= 2 {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	ticket := racy.openTicket("5511977770000")
	if ticket == nil {
		t.Fatal("no ticket created")
	}
	msgs, err := racy.ListMessages(ticket.ID)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("expected both inbound messages on one ticket, got %d (err %v)", len(msgs), err)
	}
	if got := racy.createdCount(); got != 1 {
		t.Errorf("expected 1 ticket for concurrent first messages, got %d", got)
	}
}

func TestStoreDispatcherEnqueuesPending(t *testing.T) {
	st := store.NewInMemoryStore()
	d := NewStoreDispatcher(st)

	if err := d.DispatchBotMessage(context.Background(), "t-1", "hello"); err != nil {
		t.Fatalf("DispatchBotMessage failed: %v", err)
	}
	msgs, err := st.ListMessages("t-1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Author != models.MessageAuthorBot || m.Status != models.MessageStatusPending || m.Body != "hello" {
		t.Errorf("unexpected message: %+v", m)
	}
	if m.ID == "" {
		t.Error("message id not assigned")
	}
}
