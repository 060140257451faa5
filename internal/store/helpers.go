package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeFlowColumns marshals the keywords and schedule JSON columns.
func encodeFlowColumns(f *models.Flow) (keywords interface{}, schedule interface{}, err error) {
	if len(f.Keywords) > 0 {
		b, err := json.Marshal(f.Keywords)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal flow keywords: %w", err)
		}
		keywords = string(b)
	}
	if f.Schedule != nil {
		b, err := json.Marshal(f.Schedule)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal flow schedule: %w", err)
		}
		schedule = string(b)
	}
	return keywords, schedule, nil
}

// encodeSessionState marshals a session state for its JSON column.
func encodeSessionState(state *models.SessionState) (string, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session state: %w", err)
	}
	return string(b), nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlow(row rowScanner) (*models.Flow, error) {
	var f models.Flow
	var trigger, definition string
	var keywords, offlineMessage, transferQueueID, schedule sql.NullString
	err := row.Scan(&f.ID, &f.Name, &trigger, &keywords, &f.Priority, &definition,
		&offlineMessage, &transferQueueID, &schedule, &f.Active, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Trigger = models.FlowTrigger(trigger)
	f.Definition = json.RawMessage(definition)
	f.OfflineMessage = offlineMessage.String
	f.TransferQueueID = transferQueueID.String
	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &f.Keywords); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow keywords: %w", err)
		}
	}
	if schedule.Valid && schedule.String != "" {
		f.Schedule = &models.Schedule{}
		if err := json.Unmarshal([]byte(schedule.String), f.Schedule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow schedule: %w", err)
		}
	}
	return &f, nil
}

func scanFlowRow(row *sql.Row) (*models.Flow, error) {
	return scanFlow(row)
}

func collectFlows(rows *sql.Rows) ([]models.Flow, error) {
	var out []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	return out, nil
}

func scanTicket(row rowScanner) (*models.Ticket, error) {
	var t models.Ticket
	var status string
	var queueID, assigneeID sql.NullString
	err := row.Scan(&t.ID, &t.ContactID, &queueID, &assigneeID, &status, &t.LastActivityAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.QueueID = queueID.String
	t.AssigneeID = assigneeID.String
	t.Status = models.TicketStatus(status)
	return &t, nil
}

func scanTicketRow(row *sql.Row) (*models.Ticket, error) {
	return scanTicket(row)
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var stateJSON string
	var currentNodeID sql.NullString
	var completedAt, transferredAt sql.NullTime
	err := row.Scan(&s.ID, &s.FlowID, &s.TicketID, &s.ContactID, &currentNodeID, &stateJSON,
		&s.Version, &completedAt, &transferredAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.CurrentNodeID = currentNodeID.String
	if err := json.Unmarshal([]byte(stateJSON), &s.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	if transferredAt.Valid {
		s.TransferredAt = &transferredAt.Time
	}
	return &s, nil
}

func scanSessionRow(row *sql.Row) (*models.Session, error) {
	return scanSession(row)
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var author, status string
	var lastError sql.NullString
	var claimedAt, sentAt sql.NullTime
	err := row.Scan(&m.ID, &m.TicketID, &author, &m.Body, &status, &m.Attempts, &lastError, &claimedAt, &m.CreatedAt, &sentAt)
	if err != nil {
		return nil, err
	}
	m.Author = models.MessageAuthor(author)
	m.Status = models.MessageStatus(status)
	m.LastError = lastError.String
	if claimedAt.Valid {
		m.ClaimedAt = &claimedAt.Time
	}
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}
