package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/flow"
	"github.com/FlowDeskHQ/FlowDesk/internal/models"
	"github.com/FlowDeskHQ/FlowDesk/internal/store"
	"github.com/google/uuid"
)

// Responder consumes a transport's inbound messages and drives the session
// manager. Messages for different contacts are processed concurrently;
// messages for the same contact are serialized so ticket creation and
// interpreter runs for one conversation never race each other.
type Responder struct {
	service  Service
	store    store.Store
	sessions *flow.SessionManager

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup
}

// NewResponder creates a responder wiring a transport to the session manager.
func NewResponder(svc Service, st store.Store, sessions *flow.SessionManager) *Responder {
	return &Responder{
		service:  svc,
		store:    st,
		sessions: sessions,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Start consumes the transport's responses until the channel closes or ctx is
// cancelled. It blocks; run it in a goroutine.
func (r *Responder) Start(ctx context.Context) {
	slog.Info("Responder.Start: consuming inbound messages")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Responder.Start: context cancelled, draining")
			r.wg.Wait()
			return
		case resp, ok := <-r.service.Responses():
			if !ok {
				slog.Info("Responder.Start: responses channel closed")
				r.wg.Wait()
				return
			}
			r.wg.Add(1)
			go func(resp models.Response) {
				defer r.wg.Done()
				r.handleResponse(ctx, resp)
			}(resp)
		}
	}
}

func (r *Responder) handleResponse(ctx context.Context, resp models.Response) {
	contactID, err := r.service.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		slog.Warn("Responder.handleResponse: invalid sender, dropping", "error", err, "from", resp.From)
		return
	}

	// The lock is keyed by contact and taken before the ticket lookup, so two
	// near-simultaneous first messages cannot both observe "no open ticket"
	// and create duplicate tickets.
	lock := r.contactLock(contactID)
	lock.Lock()
	defer lock.Unlock()

	ticket, err := r.store.GetOrCreateTicketByContact(contactID)
	if err != nil {
		slog.Error("Responder.handleResponse: ticket lookup failed", "error", err, "contactID", contactID)
		return
	}

	inbound := models.Message{
		ID:        uuid.NewString(),
		TicketID:  ticket.ID,
		Author:    models.MessageAuthorContact,
		Body:      resp.Body,
		Status:    models.MessageStatusSent,
		CreatedAt: time.Unix(resp.Time, 0),
	}
	if err := r.store.AddMessage(inbound); err != nil {
		slog.Error("Responder.handleResponse: failed to persist inbound message", "error", err, "ticketID", ticket.ID)
	}

	if err := r.sessions.HandleMessage(ctx, ticket, resp.Body); err != nil {
		slog.Error("Responder.handleResponse: session handling failed", "error", err, "ticketID", ticket.ID)
	}
}

func (r *Responder) contactLock(contactID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[contactID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[contactID] = l
	}
	return l
}
