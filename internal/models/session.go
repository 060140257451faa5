// Package models defines session state structures for FlowDesk flows.
package models

import "time"

// WaitingKind identifies which node kind a session is suspended on.
type WaitingKind string

const (
	// WaitingQuestion marks a suspension on a question node.
	WaitingQuestion WaitingKind = "question"
	// WaitingInput marks a suspension on an input node.
	WaitingInput WaitingKind = "input"
)

// WaitingPointer marks the single suspension point of a session: the node the
// next inbound message will be consumed by.
type WaitingPointer struct {
	NodeID string      `json:"node_id"`
	Kind   WaitingKind `json:"kind"`
}

// HistoryEntry is one step of the session audit trail. Entries are append-only
// and never mutated in place.
type HistoryEntry struct {
	NodeID     string    `json:"node_id"`
	Input      string    `json:"input,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SessionState is the persisted execution state of one flow instance. It is
// mutated only by the interpreter, which returns a new value on every run.
type SessionState struct {
	History       []HistoryEntry    `json:"history,omitempty"`
	CollectedData map[string]string `json:"collected_data,omitempty"`
	WaitingFor    *WaitingPointer   `json:"waiting_for,omitempty"`
	Completed     bool              `json:"completed,omitempty"`
}

// Clone returns a deep copy of the state. The interpreter clones before every
// run so callers keeping a reference to the original never observe changes.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return &SessionState{}
	}
	out := &SessionState{Completed: s.Completed}
	if len(s.History) > 0 {
		out.History = make([]HistoryEntry, len(s.History))
		copy(out.History, s.History)
	}
	if s.CollectedData != nil {
		out.CollectedData = make(map[string]string, len(s.CollectedData))
		for k, v := range s.CollectedData {
			out.CollectedData[k] = v
		}
	}
	if s.WaitingFor != nil {
		wp := *s.WaitingFor
		out.WaitingFor = &wp
	}
	return out
}

// Session links a flow definition to a ticket and carries the execution state
// between inbound messages. At most one non-completed session exists per
// ticket at a time.
type Session struct {
	ID            string       `json:"id"`
	FlowID        string       `json:"flow_id"`
	TicketID      string       `json:"ticket_id"`
	ContactID     string       `json:"contact_id"`
	CurrentNodeID string       `json:"current_node_id"`
	State         SessionState `json:"state"`
	// Version guards the compare-and-swap session write; incremented on save.
	Version       int64      `json:"version"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TransferredAt *time.Time `json:"transferred_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Active reports whether the session should still be driven by the bot.
func (s *Session) Active() bool {
	return s.CompletedAt == nil && !s.State.Completed
}
