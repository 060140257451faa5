package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
	"github.com/FlowDeskHQ/FlowDesk/internal/store"
	"github.com/google/uuid"
)

// DefaultOfflineMessage is sent when a flow is gated by its schedule and
// neither the schedule nor the flow configures a fallback text.
const DefaultOfflineMessage = "We are currently unavailable. We will get back to you as soon as possible."

// Dispatcher hands outbound bot messages to the messaging layer. Dispatch
// persists the message for delivery; it does not block on the transport.
type Dispatcher interface {
	DispatchBotMessage(ctx context.Context, ticketID, body string) error
}

// SessionManager drives conversation sessions: it starts a flow for a new
// inbound message, resumes a suspended one, and applies the side effects an
// interpreter run asks for (transfers, completion, bot replies).
type SessionManager struct {
	store  store.Store
	disp   Dispatcher
	interp *Interpreter
	now    func() time.Time
}

// SessionManagerOption configures a SessionManager.
type SessionManagerOption func(*SessionManager)

// WithInterpreter replaces the default interpreter.
func WithInterpreter(it *Interpreter) SessionManagerOption {
	return func(m *SessionManager) {
		m.interp = it
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) SessionManagerOption {
	return func(m *SessionManager) {
		m.now = now
	}
}

// NewSessionManager creates a session manager on top of a store and a
// dispatcher.
func NewSessionManager(st store.Store, disp Dispatcher, opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		store:  st,
		disp:   disp,
		interp: NewInterpreter(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleMessage processes one inbound contact message for a ticket. When the
// ticket has no active session a flow is selected and started; otherwise the
// suspended session consumes the message. Messages on tickets claimed by a
// human agent are left alone.
func (m *SessionManager) HandleMessage(ctx context.Context, ticket *models.Ticket, text string) error {
	if ticket.AssigneeID != "" {
		slog.Debug("SessionManager.HandleMessage: ticket claimed by agent, bot stays out",
			"ticketID", ticket.ID, "assigneeID", ticket.AssigneeID)
		return nil
	}

	sess, err := m.store.GetActiveSessionForTicket(ticket.ID)
	if err != nil {
		return fmt.Errorf("failed to load session for ticket %s: %w", ticket.ID, err)
	}
	if sess == nil {
		return m.startSession(ctx, ticket, text)
	}
	return m.resumeSession(ctx, ticket, sess, text)
}

func (m *SessionManager) startSession(ctx context.Context, ticket *models.Ticket, text string) error {
	flows, err := m.store.ListActiveFlows()
	if err != nil {
		return fmt.Errorf("failed to list flows: %w", err)
	}
	selected := SelectFlow(flows, text)
	if selected == nil {
		slog.Debug("SessionManager.startSession: no flow matched", "ticketID", ticket.ID)
		return nil
	}

	now := m.now()
	if !IsOpen(selected.Schedule, now) {
		slog.Info("SessionManager.startSession: flow outside schedule", "flowID", selected.ID, "ticketID", ticket.ID)
		return m.disp.DispatchBotMessage(ctx, ticket.ID, offlineMessage(selected))
	}

	def, err := models.ParseFlowDefinition(selected.Definition)
	if err != nil {
		slog.Error("SessionManager.startSession: definition parse failed", "error", err, "flowID", selected.ID)
		return fmt.Errorf("failed to parse definition of flow %s: %w", selected.ID, err)
	}

	res := m.interp.Run(def, &models.SessionState{}, "", "", false, now)
	sess := models.Session{
		ID:            uuid.NewString(),
		FlowID:        selected.ID,
		TicketID:      ticket.ID,
		ContactID:     ticket.ContactID,
		CurrentNodeID: res.NextNodeID,
		State:         *res.State,
	}
	slog.Info("SessionManager.startSession: session started", "sessionID", sess.ID, "flowID", selected.ID, "ticketID", ticket.ID)
	return m.applyRun(ctx, ticket, &sess, selected, res, now)
}

func (m *SessionManager) resumeSession(ctx context.Context, ticket *models.Ticket, sess *models.Session, text string) error {
	now := m.now()

	flowRec, err := m.store.GetFlow(sess.FlowID)
	if err != nil {
		return fmt.Errorf("failed to load flow %s: %w", sess.FlowID, err)
	}
	if flowRec == nil {
		// The flow was deleted while the session was suspended. End it so the
		// contact is not stuck waiting on a prompt that can never resolve.
		slog.Warn("SessionManager.resumeSession: flow gone, ending session", "sessionID", sess.ID, "flowID", sess.FlowID)
		sess.CompletedAt = &now
		return m.store.SaveSession(*sess)
	}

	def, err := models.ParseFlowDefinition(flowRec.Definition)
	if err != nil {
		slog.Error("SessionManager.resumeSession: definition parse failed", "error", err, "flowID", flowRec.ID)
		return fmt.Errorf("failed to parse definition of flow %s: %w", flowRec.ID, err)
	}

	res := m.interp.Run(def, &sess.State, sess.CurrentNodeID, text, true, now)
	sess.State = *res.State
	sess.CurrentNodeID = res.NextNodeID
	return m.applyRun(ctx, ticket, sess, flowRec, res, now)
}

// applyRun persists the session and performs the run's side effects. The
// session write happens first; when the compare-and-swap loses to a concurrent
// run the produced messages are dropped, so only one run's output reaches the
// contact.
func (m *SessionManager) applyRun(ctx context.Context, ticket *models.Ticket, sess *models.Session, flowRec *models.Flow, res RunResult, now time.Time) error {
	for _, d := range res.Diagnostics {
		slog.Warn("SessionManager: interpreter diagnostic",
			"code", d.Code, "nodeID", d.NodeID, "detail", d.Detail, "sessionID", sess.ID, "flowID", flowRec.ID)
	}

	if res.Transferred {
		sess.TransferredAt = &now
	}
	if res.Completed {
		sess.CompletedAt = &now
	}

	if err := m.store.SaveSession(*sess); err != nil {
		if errors.Is(err, models.ErrSessionConflict) {
			slog.Warn("SessionManager.applyRun: concurrent run won, dropping output", "sessionID", sess.ID)
			return nil
		}
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}

	if res.Transferred {
		queue := res.TransferQueueID
		if queue == "" {
			queue = flowRec.TransferQueueID
		}
		if queue == "" {
			queue = ticket.QueueID
		}
		if err := m.store.TransferTicket(ticket.ID, queue); err != nil {
			slog.Error("SessionManager.applyRun: transfer failed", "error", err, "ticketID", ticket.ID, "queueID", queue)
		} else {
			slog.Info("SessionManager.applyRun: ticket transferred", "ticketID", ticket.ID, "queueID", queue)
		}
	}

	for _, body := range res.RetryMessages {
		if err := m.disp.DispatchBotMessage(ctx, ticket.ID, body); err != nil {
			return fmt.Errorf("failed to dispatch retry message: %w", err)
		}
	}
	for _, body := range res.BotMessages {
		if err := m.disp.DispatchBotMessage(ctx, ticket.ID, body); err != nil {
			return fmt.Errorf("failed to dispatch bot message: %w", err)
		}
	}

	if err := m.store.TouchTicket(ticket.ID, now); err != nil {
		slog.Warn("SessionManager.applyRun: touch ticket failed", "error", err, "ticketID", ticket.ID)
	}
	return nil
}

func offlineMessage(f *models.Flow) string {
	if f.Schedule != nil && f.Schedule.FallbackMessage != "" {
		return f.Schedule.FallbackMessage
	}
	if f.OfflineMessage != "" {
		return f.OfflineMessage
	}
	return DefaultOfflineMessage
}
