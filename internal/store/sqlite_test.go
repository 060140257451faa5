package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "flowdesk.db")
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreFlowRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)

	flow := models.Flow{
		ID:              "welcome",
		Name:            "Welcome",
		Trigger:         models.FlowTriggerKeyword,
		Keywords:        []string{"hi", "hello"},
		Priority:        1,
		Definition:      []byte(`{"entryNodeId":"start","nodes":[{"id":"start","type":"end"}]}`),
		OfflineMessage:  "We are closed.",
		TransferQueueID: "support",
		Schedule: &models.Schedule{
			Enabled:  true,
			Timezone: "America/Sao_Paulo",
			Windows:  []models.ScheduleWindow{{Days: []int{1, 2, 3, 4, 5}, Start: "09:00", End: "18:00"}},
		},
		Active: true,
	}
	if err := s.UpsertFlow(flow); err != nil {
		t.Fatalf("UpsertFlow failed: %v", err)
	}

	got, err := s.GetFlow("welcome")
	if err != nil {
		t.Fatalf("GetFlow failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected flow, got nil")
	}
	if got.Name != "Welcome" || got.Trigger != models.FlowTriggerKeyword {
		t.Errorf("unexpected flow: %+v", got)
	}
	if len(got.Keywords) != 2 || got.Keywords[0] != "hi" {
		t.Errorf("keywords not round-tripped: %v", got.Keywords)
	}
	if got.Schedule == nil || !got.Schedule.Enabled || got.Schedule.Timezone != "America/Sao_Paulo" {
		t.Errorf("schedule not round-tripped: %+v", got.Schedule)
	}
	if got.OfflineMessage != "We are closed." || got.TransferQueueID != "support" {
		t.Errorf("nullable columns not round-tripped: %+v", got)
	}

	// Upsert replaces in place.
	flow.Name = "Welcome v2"
	flow.Active = false
	if err := s.UpsertFlow(flow); err != nil {
		t.Fatalf("second UpsertFlow failed: %v", err)
	}
	got, err = s.GetFlow("welcome")
	if err != nil {
		t.Fatalf("GetFlow after upsert failed: %v", err)
	}
	if got.Name != "Welcome v2" || got.Active {
		t.Errorf("upsert did not replace: %+v", got)
	}

	active, err := s.ListActiveFlows()
	if err != nil {
		t.Fatalf("ListActiveFlows failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active flows, got %d", len(active))
	}

	missing, err := s.GetFlow("nope")
	if err != nil {
		t.Fatalf("GetFlow(missing) failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing flow, got %+v", missing)
	}
}

func TestSQLiteStoreTicketsAndSessions(t *testing.T) {
	s := newTestSQLiteStore(t)

	ticket, err := s.GetOrCreateTicketByContact("+5511999990000")
	if err != nil {
		t.Fatalf("GetOrCreateTicketByContact failed: %v", err)
	}
	same, err := s.GetOrCreateTicketByContact("+5511999990000")
	if err != nil {
		t.Fatalf("second GetOrCreateTicketByContact failed: %v", err)
	}
	if same.ID != ticket.ID {
		t.Errorf("expected ticket reuse, got %s and %s", ticket.ID, same.ID)
	}

	sess := models.Session{
		ID:            "sess-1",
		FlowID:        "welcome",
		TicketID:      ticket.ID,
		ContactID:     ticket.ContactID,
		CurrentNodeID: "ask-name",
		State: models.SessionState{
			CollectedData: map[string]string{"name": "Ana"},
			WaitingFor:    &models.WaitingPointer{NodeID: "ask-name", Kind: models.WaitingInput},
		},
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession insert failed: %v", err)
	}

	stored, err := s.GetActiveSessionForTicket(ticket.ID)
	if err != nil {
		t.Fatalf("GetActiveSessionForTicket failed: %v", err)
	}
	if stored == nil || stored.Version != 1 {
		t.Fatalf("expected session at version 1, got %+v", stored)
	}
	if stored.State.CollectedData["name"] != "Ana" {
		t.Errorf("state not round-tripped: %+v", stored.State)
	}
	if stored.State.WaitingFor == nil || stored.State.WaitingFor.NodeID != "ask-name" {
		t.Errorf("waiting pointer not round-tripped: %+v", stored.State.WaitingFor)
	}

	stored.CurrentNodeID = "ask-email"
	if err := s.SaveSession(*stored); err != nil {
		t.Fatalf("SaveSession update failed: %v", err)
	}
	if err := s.SaveSession(*stored); !errors.Is(err, models.ErrSessionConflict) {
		t.Errorf("expected ErrSessionConflict on stale version, got %v", err)
	}

	done := time.Now()
	current, err := s.GetActiveSessionForTicket(ticket.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	current.CompletedAt = &done
	if err := s.SaveSession(*current); err != nil {
		t.Fatalf("SaveSession completion failed: %v", err)
	}
	active, err := s.GetActiveSessionForTicket(ticket.ID)
	if err != nil {
		t.Fatalf("GetActiveSessionForTicket after completion failed: %v", err)
	}
	if active != nil {
		t.Errorf("expected no active session after completion, got %+v", active)
	}

	if err := s.TransferTicket(ticket.ID, "billing"); err != nil {
		t.Fatalf("TransferTicket failed: %v", err)
	}
	moved, err := s.GetTicket(ticket.ID)
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if moved.QueueID != "billing" || moved.Status != models.TicketStatusPending {
		t.Errorf("transfer not applied: %+v", moved)
	}
}

func TestSQLiteStoreOutbox(t *testing.T) {
	s := newTestSQLiteStore(t)
	ticket, err := s.GetOrCreateTicketByContact("+5511988880000")
	if err != nil {
		t.Fatalf("GetOrCreateTicketByContact failed: %v", err)
	}

	pending := models.Message{
		ID:       "m1",
		TicketID: ticket.ID,
		Author:   models.MessageAuthorBot,
		Body:     "hello",
		Status:   models.MessageStatusPending,
	}
	inbound := models.Message{
		ID:       "m2",
		TicketID: ticket.ID,
		Author:   models.MessageAuthorContact,
		Body:     "hi",
		Status:   models.MessageStatusSent,
	}
	if err := s.AddMessage(pending); err != nil {
		t.Fatalf("AddMessage(m1) failed: %v", err)
	}
	if err := s.AddMessage(inbound); err != nil {
		t.Fatalf("AddMessage(m2) failed: %v", err)
	}

	claimed, err := s.ClaimPendingMessages(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimPendingMessages failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "m1" {
		t.Fatalf("expected only m1 claimed, got %+v", claimed)
	}
	if claimed[0].Status != models.MessageStatusSending || claimed[0].Attempts != 1 {
		t.Errorf("claim did not mark sending: %+v", claimed[0])
	}

	if err := s.RequeueMessage("m1", "timeout"); err != nil {
		t.Fatalf("RequeueMessage failed: %v", err)
	}
	claimed, err = s.ClaimPendingMessages(time.Now(), 10)
	if err != nil {
		t.Fatalf("second ClaimPendingMessages failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Attempts != 2 {
		t.Fatalf("expected m1 reclaimed with 2 attempts, got %+v", claimed)
	}

	if err := s.MarkMessageSent("m1", time.Now()); err != nil {
		t.Fatalf("MarkMessageSent failed: %v", err)
	}
	msgs, err := s.ListMessages(ticket.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Status != models.MessageStatusSent || msgs[0].SentAt == nil {
		t.Errorf("m1 not recorded sent: %+v", msgs[0])
	}
}

func TestSQLiteStoreOutboxLeaseReclaim(t *testing.T) {
	s := newTestSQLiteStore(t)
	ticket, err := s.GetOrCreateTicketByContact("+5511988880000")
	if err != nil {
		t.Fatalf("GetOrCreateTicketByContact failed: %v", err)
	}
	err = s.AddMessage(models.Message{
		ID: "m1", TicketID: ticket.ID, Author: models.MessageAuthorBot,
		Body: "hello", Status: models.MessageStatusPending,
	})
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	start := time.Now()
	claimed, err := s.ClaimPendingMessages(start, 10)
	if err != nil {
		t.Fatalf("ClaimPendingMessages failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ClaimedAt == nil {
		t.Fatalf("expected 1 claimed message with claim time, got %+v", claimed)
	}

	// The sender crashes here: m1 is stuck in sending. Within the lease it
	// stays invisible; after the lease it is handed out again.
	within, err := s.ClaimPendingMessages(start.Add(OutboxLeaseTimeout/2), 10)
	if err != nil {
		t.Fatalf("in-lease ClaimPendingMessages failed: %v", err)
	}
	if len(within) != 0 {
		t.Fatalf("expected no claims inside the lease, got %+v", within)
	}

	reclaimed, err := s.ClaimPendingMessages(start.Add(OutboxLeaseTimeout+time.Second), 10)
	if err != nil {
		t.Fatalf("post-lease ClaimPendingMessages failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != "m1" || reclaimed[0].Attempts != 2 {
		t.Fatalf("expected m1 reclaimed after lease expiry, got %+v", reclaimed)
	}
}

func TestSQLiteStoreConcurrentTicketCreation(t *testing.T) {
	s := newTestSQLiteStore(t)

	const callers = 8
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := s.GetOrCreateTicketByContact("5511977770000")
			if err != nil {
				t.Errorf("GetOrCreateTicketByContact failed: %v", err)
				return
			}
			ids <- ticket.ID
		}()
	}
	wg.Wait()
	close(ids)

	distinct := make(map[string]bool)
	for id := range ids {
		distinct[id] = true
	}
	if len(distinct) != 1 {
		t.Errorf("expected one open ticket per contact, got %d distinct tickets", len(distinct))
	}
}
