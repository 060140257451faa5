// Package models defines the core data structures for FlowDesk.
//
// It includes the helpdesk records (flows, tickets, sessions, messages) and
// the JSON envelope shared by the HTTP API.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// FlowTrigger defines how a flow is selected for a new conversation.
type FlowTrigger string

const (
	// FlowTriggerKeyword starts the flow when one of its keywords matches the
	// first inbound message.
	FlowTriggerKeyword FlowTrigger = "keyword"
	// FlowTriggerDefault marks the fallback flow used when no keyword matches.
	FlowTriggerDefault FlowTrigger = "default"
	// FlowTriggerManual excludes the flow from automatic selection entirely.
	FlowTriggerManual FlowTrigger = "manual"
)

// IsValidFlowTrigger checks if the given trigger is supported.
func IsValidFlowTrigger(t FlowTrigger) bool {
	switch t {
	case FlowTriggerKeyword, FlowTriggerDefault, FlowTriggerManual:
		return true
	default:
		return false
	}
}

// Error variables for flow catalog validation.
var (
	ErrEmptyFlowID       = errors.New("flow id cannot be empty")
	ErrEmptyFlowName     = errors.New("flow name cannot be empty")
	ErrInvalidTrigger    = errors.New("invalid flow trigger")
	ErrFlowNotFound      = errors.New("flow not found")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrSessionConflict   = errors.New("session was modified concurrently")
	ErrMessageNotFound   = errors.New("message not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrTicketHasAssignee = errors.New("ticket is claimed by an agent")
)

// Flow is a catalog entry: a named conversation graph plus the settings that
// govern when the bot may run it.
type Flow struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Trigger  FlowTrigger `json:"trigger"`
	Keywords []string    `json:"keywords,omitempty"`
	// Priority orders flows during selection; lower values win.
	Priority int `json:"priority"`
	// Definition holds the raw author JSON; parsed on use (see flowdef.go).
	Definition      json.RawMessage `json:"definition"`
	OfflineMessage  string          `json:"offline_message,omitempty"`
	TransferQueueID string          `json:"transfer_queue_id,omitempty"`
	Schedule        *Schedule       `json:"schedule,omitempty"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Validate checks a flow catalog entry, including its definition and schedule.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return ErrEmptyFlowID
	}
	if f.Name == "" {
		return ErrEmptyFlowName
	}
	if !IsValidFlowTrigger(f.Trigger) {
		return ErrInvalidTrigger
	}
	if _, err := ParseFlowDefinition(f.Definition); err != nil {
		return err
	}
	return f.Schedule.Validate()
}

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketStatusOpen    TicketStatus = "open"
	TicketStatusPending TicketStatus = "pending"
	TicketStatusClosed  TicketStatus = "closed"
)

// Ticket is the conversation record a session is bound to. A ticket with an
// assignee belongs to a human agent and the bot stops driving it.
type Ticket struct {
	ID             string       `json:"id"`
	ContactID      string       `json:"contact_id"`
	QueueID        string       `json:"queue_id,omitempty"`
	AssigneeID     string       `json:"assignee_id,omitempty"`
	Status         TicketStatus `json:"status"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	CreatedAt      time.Time    `json:"created_at"`
}

// MessageAuthor identifies who authored a persisted message.
type MessageAuthor string

const (
	MessageAuthorBot     MessageAuthor = "bot"
	MessageAuthorContact MessageAuthor = "contact"
	MessageAuthorAgent   MessageAuthor = "agent"
)

// MessageStatus tracks outbox delivery of bot-authored messages.
type MessageStatus string

const (
	// MessageStatusPending means the message is persisted but not yet sent.
	MessageStatusPending MessageStatus = "pending"
	// MessageStatusSending means an outbox worker has claimed the message.
	MessageStatusSending MessageStatus = "sending"
	// MessageStatusSent means the transport accepted the message.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed means delivery gave up after repeated attempts.
	MessageStatusFailed MessageStatus = "failed"
)

// Message is one persisted chat message on a ticket. Bot messages are written
// pending and delivered by the outbox sender.
type Message struct {
	ID        string        `json:"id"`
	TicketID  string        `json:"ticket_id"`
	Author    MessageAuthor `json:"author"`
	Body      string        `json:"body"`
	Status    MessageStatus `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
	// ClaimedAt is set when an outbox sender marks the message sending; it
	// bounds the delivery lease for crash recovery.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// Response represents an incoming message from a contact, as delivered by a
// transport service.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
