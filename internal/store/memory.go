package store

import (
	"sort"
	"sync"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a mutex-guarded Store for tests and flow simulation.
type InMemoryStore struct {
	mu       sync.RWMutex
	flows    map[string]models.Flow
	tickets  map[string]models.Ticket
	sessions map[string]models.Session
	messages []models.Message
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:    make(map[string]models.Flow),
		tickets:  make(map[string]models.Ticket),
		sessions: make(map[string]models.Session),
	}
}

func (s *InMemoryStore) UpsertFlow(f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.flows[f.ID]; ok {
		f.CreatedAt = existing.CreatedAt
	} else {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	s.flows[f.ID] = f
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *InMemoryStore) ListFlows() ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	sortFlows(out)
	return out, nil
}

func (s *InMemoryStore) ListActiveFlows() ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Flow
	for _, f := range s.flows {
		if f.Active {
			out = append(out, f)
		}
	}
	sortFlows(out)
	return out, nil
}

func sortFlows(flows []models.Flow) {
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].Priority != flows[j].Priority {
			return flows[i].Priority < flows[j].Priority
		}
		return flows[i].Name < flows[j].Name
	})
}

func (s *InMemoryStore) GetTicket(id string) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, models.ErrTicketNotFound
	}
	return &t, nil
}

func (s *InMemoryStore) GetOrCreateTicketByContact(contactID string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if t.ContactID == contactID && t.Status != models.TicketStatusClosed {
			return &t, nil
		}
	}
	now := time.Now()
	t := models.Ticket{
		ID:             uuid.NewString(),
		ContactID:      contactID,
		Status:         models.TicketStatusOpen,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	s.tickets[t.ID] = t
	return &t, nil
}

func (s *InMemoryStore) TransferTicket(id, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return models.ErrTicketNotFound
	}
	t.QueueID = queueID
	t.AssigneeID = ""
	t.Status = models.TicketStatusPending
	s.tickets[id] = t
	return nil
}

func (s *InMemoryStore) TouchTicket(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return models.ErrTicketNotFound
	}
	t.LastActivityAt = at
	s.tickets[id] = t
	return nil
}

// SetTicket stores a ticket record directly (test helper).
func (s *InMemoryStore) SetTicket(t models.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t
}

func (s *InMemoryStore) GetActiveSessionForTicket(ticketID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Session
	for id := range s.sessions {
		sess := s.sessions[id]
		if sess.TicketID != ticketID || !sess.Active() {
			continue
		}
		if best == nil || sess.CreatedAt.Before(best.CreatedAt) {
			c := sess
			best = &c
		}
	}
	return best, nil
}

func (s *InMemoryStore) SaveSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sess.ID]
	if ok && existing.Version != sess.Version {
		return models.ErrSessionConflict
	}
	sess.Version++
	sess.UpdatedAt = time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}
	// Deep-copy the state so callers cannot alias the stored value.
	sess.State = *sess.State.Clone()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *InMemoryStore) ListMessages(ticketID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.TicketID == ticketID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ClaimPendingMessages(now time.Time, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-OutboxLeaseTimeout)
	var claimed []models.Message
	for i := range s.messages {
		if len(claimed) >= limit {
			break
		}
		m := &s.messages[i]
		if m.Author != models.MessageAuthorBot {
			continue
		}
		// Stale 'sending' rows are from a sender that crashed between claim
		// and delivery; once their lease expires they are claimed again.
		stale := m.Status == models.MessageStatusSending && m.ClaimedAt != nil && m.ClaimedAt.Before(cutoff)
		if m.Status != models.MessageStatusPending && !stale {
			continue
		}
		m.Status = models.MessageStatusSending
		m.Attempts++
		at := now
		m.ClaimedAt = &at
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkMessageSent(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Status = models.MessageStatusSent
			s.messages[i].SentAt = &at
			return nil
		}
	}
	return models.ErrMessageNotFound
}

func (s *InMemoryStore) RequeueMessage(id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Status = models.MessageStatusPending
			s.messages[i].LastError = lastError
			s.messages[i].ClaimedAt = nil
			return nil
		}
	}
	return models.ErrMessageNotFound
}

func (s *InMemoryStore) MarkMessageFailed(id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Status = models.MessageStatusFailed
			s.messages[i].LastError = lastError
			return nil
		}
	}
	return models.ErrMessageNotFound
}
