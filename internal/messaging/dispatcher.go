package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
	"github.com/FlowDeskHQ/FlowDesk/internal/store"
	"github.com/google/uuid"
)

// StoreDispatcher persists outbound bot messages as pending outbox rows. The
// store's OutboxSender picks them up for delivery, so a crash after the
// session commit never loses a reply.
type StoreDispatcher struct {
	store store.Store
}

// NewStoreDispatcher creates a dispatcher writing to the given store.
func NewStoreDispatcher(st store.Store) *StoreDispatcher {
	return &StoreDispatcher{store: st}
}

// DispatchBotMessage enqueues one bot reply for a ticket.
func (d *StoreDispatcher) DispatchBotMessage(ctx context.Context, ticketID, body string) error {
	m := models.Message{
		ID:        uuid.NewString(),
		TicketID:  ticketID,
		Author:    models.MessageAuthorBot,
		Body:      body,
		Status:    models.MessageStatusPending,
		CreatedAt: time.Now(),
	}
	if err := d.store.AddMessage(m); err != nil {
		return fmt.Errorf("failed to enqueue bot message for ticket %s: %w", ticketID, err)
	}
	slog.Debug("StoreDispatcher.DispatchBotMessage: message enqueued", "messageID", m.ID, "ticketID", ticketID)
	return nil
}
