// Package store provides storage backends for FlowDesk.
//
// It persists the flow catalog, tickets, sessions, and messages. Three
// backends are available: an in-memory store for tests and simulation, an
// SQLite store for single-node deployments, and a PostgreSQL store.
package store

import (
	"strings"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

// Store is the persistence surface used by the conversation engine and API.
type Store interface {
	// Flow catalog.
	UpsertFlow(f models.Flow) error
	GetFlow(id string) (*models.Flow, error)
	ListFlows() ([]models.Flow, error)
	// ListActiveFlows returns active flows ordered by priority, then name.
	ListActiveFlows() ([]models.Flow, error)

	// Tickets.
	GetTicket(id string) (*models.Ticket, error)
	// GetOrCreateTicketByContact returns the open ticket for a contact,
	// creating one when none exists.
	GetOrCreateTicketByContact(contactID string) (*models.Ticket, error)
	// TransferTicket moves a ticket to a queue and clears its assignee.
	TransferTicket(id, queueID string) error
	TouchTicket(id string, at time.Time) error

	// Sessions. SaveSession performs a compare-and-swap on Session.Version and
	// returns models.ErrSessionConflict when the stored version differs.
	GetActiveSessionForTicket(ticketID string) (*models.Session, error)
	SaveSession(s models.Session) error

	// Messages and the bot-message outbox.
	AddMessage(m models.Message) error
	ListMessages(ticketID string) ([]models.Message, error)
	// ClaimPendingMessages marks up to limit pending bot messages as sending
	// and returns them, oldest first. Messages stuck in sending longer than
	// OutboxLeaseTimeout (a crash between claim and delivery) are reclaimed.
	ClaimPendingMessages(now time.Time, limit int) ([]models.Message, error)
	MarkMessageSent(id string, at time.Time) error
	// RequeueMessage returns a claimed message to pending for a later attempt.
	RequeueMessage(id string, lastError string) error
	// MarkMessageFailed records a message delivery as permanently failed.
	MarkMessageFailed(id string, lastError string) error
}

// OutboxLeaseTimeout is how long a claimed message may sit in sending before
// ClaimPendingMessages hands it out again.
const OutboxLeaseTimeout = time.Minute

// Opts holds configuration options for persistent store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" so callers can
// pick a backend from a single connection-string setting.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
