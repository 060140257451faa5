package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

// Outbox polling defaults.
const (
	DefaultOutboxInterval  = 2 * time.Second
	DefaultOutboxBatchSize = 20
	// DefaultOutboxMaxAttempts is the delivery attempt count after which a
	// message is marked failed instead of requeued.
	DefaultOutboxMaxAttempts = 5
)

// SendFunc delivers a message body to a contact over the active transport.
type SendFunc func(ctx context.Context, contactID, body string) error

// OutboxSender polls the store for pending bot messages and delivers them.
// Messages are persisted before delivery so a crash between the two never
// loses a reply: a claim that is never marked sent or failed is handed out
// again once its OutboxLeaseTimeout lease expires. Redelivery after a crash
// is possible and accepted.
type OutboxSender struct {
	store       Store
	send        SendFunc
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

// OutboxOption configures an OutboxSender.
type OutboxOption func(*OutboxSender)

// WithOutboxInterval sets the polling interval.
func WithOutboxInterval(d time.Duration) OutboxOption {
	return func(s *OutboxSender) {
		s.interval = d
	}
}

// WithOutboxBatchSize sets how many messages are claimed per poll.
func WithOutboxBatchSize(n int) OutboxOption {
	return func(s *OutboxSender) {
		s.batchSize = n
	}
}

// WithOutboxMaxAttempts sets the attempt limit before a message is failed.
func WithOutboxMaxAttempts(n int) OutboxOption {
	return func(s *OutboxSender) {
		s.maxAttempts = n
	}
}

// NewOutboxSender creates a sender that delivers via send.
func NewOutboxSender(st Store, send SendFunc, opts ...OutboxOption) *OutboxSender {
	s := &OutboxSender{
		store:       st,
		send:        send,
		interval:    DefaultOutboxInterval,
		batchSize:   DefaultOutboxBatchSize,
		maxAttempts: DefaultOutboxMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the polling loop until ctx is cancelled.
func (s *OutboxSender) Start(ctx context.Context) {
	slog.Info("OutboxSender.Start: polling loop starting", "interval", s.interval, "batchSize", s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Start: context cancelled, stopping")
			return
		case <-ticker.C:
			s.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce claims one batch of pending messages and delivers them.
func (s *OutboxSender) ProcessOnce(ctx context.Context) {
	now := time.Now()
	claimed, err := s.store.ClaimPendingMessages(now, s.batchSize)
	if err != nil {
		slog.Error("OutboxSender.ProcessOnce: claim failed", "error", err)
		return
	}
	for i := range claimed {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, &claimed[i])
	}
}

func (s *OutboxSender) deliver(ctx context.Context, m *models.Message) {
	ticket, err := s.store.GetTicket(m.TicketID)
	if err != nil {
		slog.Error("OutboxSender.deliver: ticket lookup failed", "error", err, "messageID", m.ID, "ticketID", m.TicketID)
		s.fail(m, "ticket lookup failed: "+err.Error())
		return
	}

	if err := s.send(ctx, ticket.ContactID, m.Body); err != nil {
		slog.Warn("OutboxSender.deliver: send failed", "error", err, "messageID", m.ID, "attempts", m.Attempts)
		if m.Attempts >= s.maxAttempts {
			s.fail(m, err.Error())
			return
		}
		if rqErr := s.store.RequeueMessage(m.ID, err.Error()); rqErr != nil {
			slog.Error("OutboxSender.deliver: requeue failed", "error", rqErr, "messageID", m.ID)
		}
		return
	}

	if err := s.store.MarkMessageSent(m.ID, time.Now()); err != nil {
		slog.Error("OutboxSender.deliver: mark sent failed", "error", err, "messageID", m.ID)
		return
	}
	slog.Debug("OutboxSender.deliver: message sent", "messageID", m.ID, "ticketID", m.TicketID)
}

func (s *OutboxSender) fail(m *models.Message, reason string) {
	if err := s.store.MarkMessageFailed(m.ID, reason); err != nil {
		slog.Error("OutboxSender.fail: mark failed errored", "error", err, "messageID", m.ID)
	}
	slog.Error("OutboxSender: message permanently failed", "messageID", m.ID, "ticketID", m.TicketID, "reason", reason)
}
