// Package store provides storage backends for FlowDesk.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// The containing directory is created when missing and migrations run on open.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertFlow(f models.Flow) error {
	now := time.Now()
	keywords, schedule, err := encodeFlowColumns(&f)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, name, trigger_kind, keywords, priority, definition, offline_message, transfer_queue_id, schedule, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, trigger_kind = excluded.trigger_kind, keywords = excluded.keywords,
			priority = excluded.priority, definition = excluded.definition, offline_message = excluded.offline_message,
			transfer_queue_id = excluded.transfer_queue_id, schedule = excluded.schedule, active = excluded.active,
			updated_at = excluded.updated_at`,
		f.ID, f.Name, string(f.Trigger), keywords, f.Priority, string(f.Definition),
		nilIfEmpty(f.OfflineMessage), nilIfEmpty(f.TransferQueueID), schedule, f.Active, now, now)
	if err != nil {
		slog.Error("SQLiteStore UpsertFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to upsert flow %s: %w", f.ID, err)
	}
	slog.Debug("SQLiteStore UpsertFlow succeeded", "flowID", f.ID)
	return nil
}

func (s *SQLiteStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT id, name, trigger_kind, keywords, priority, definition, offline_message, transfer_queue_id, schedule, active, created_at, updated_at
		FROM flows WHERE id = ?`, id)
	f, err := scanFlowRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "flowID", id)
		return nil, err
	}
	return f, nil
}

func (s *SQLiteStore) ListFlows() ([]models.Flow, error) {
	return s.queryFlows(`SELECT id, name, trigger_kind, keywords, priority, definition, offline_message, transfer_queue_id, schedule, active, created_at, updated_at
		FROM flows ORDER BY priority, name`)
}

func (s *SQLiteStore) ListActiveFlows() ([]models.Flow, error) {
	return s.queryFlows(`SELECT id, name, trigger_kind, keywords, priority, definition, offline_message, transfer_queue_id, schedule, active, created_at, updated_at
		FROM flows WHERE active = 1 ORDER BY priority, name`)
}

func (s *SQLiteStore) queryFlows(query string) ([]models.Flow, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("SQLiteStore flow query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()
	return collectFlows(rows)
}

func (s *SQLiteStore) GetTicket(id string) (*models.Ticket, error) {
	row := s.db.QueryRow(`SELECT id, contact_id, queue_id, assignee_id, status, last_activity_at, created_at FROM tickets WHERE id = ?`, id)
	t, err := scanTicketRow(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrTicketNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetTicket failed", "error", err, "ticketID", id)
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) GetOrCreateTicketByContact(contactID string) (*models.Ticket, error) {
	row := s.db.QueryRow(`SELECT id, contact_id, queue_id, assignee_id, status, last_activity_at, created_at
		FROM tickets WHERE contact_id = ? AND status != 'closed' ORDER BY created_at LIMIT 1`, contactID)
	t, err := scanTicketRow(row)
	if err == nil {
		return t, nil
	}
	if err != sql.ErrNoRows {
		slog.Error("SQLiteStore GetOrCreateTicketByContact query failed", "error", err, "contactID", contactID)
		return nil, err
	}

	now := time.Now()
	created := models.Ticket{
		ID:             uuid.NewString(),
		ContactID:      contactID,
		Status:         models.TicketStatusOpen,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	_, err = s.db.Exec(`INSERT INTO tickets (id, contact_id, status, last_activity_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		created.ID, created.ContactID, string(created.Status), created.LastActivityAt, created.CreatedAt)
	if err != nil {
		// A concurrent caller may have won the insert; the unique index on
		// open tickets per contact rejects ours, so re-read theirs.
		row := s.db.QueryRow(`SELECT id, contact_id, queue_id, assignee_id, status, last_activity_at, created_at
			FROM tickets WHERE contact_id = ? AND status != 'closed' ORDER BY created_at LIMIT 1`, contactID)
		if existing, selErr := scanTicketRow(row); selErr == nil {
			slog.Debug("SQLiteStore ticket insert lost race, reusing existing", "ticketID", existing.ID, "contactID", contactID)
			return existing, nil
		}
		slog.Error("SQLiteStore ticket insert failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to create ticket for %s: %w", contactID, err)
	}
	slog.Info("SQLiteStore created ticket", "ticketID", created.ID, "contactID", contactID)
	return &created, nil
}

func (s *SQLiteStore) TransferTicket(id, queueID string) error {
	res, err := s.db.Exec(`UPDATE tickets SET queue_id = ?, assignee_id = NULL, status = 'pending' WHERE id = ?`, nilIfEmpty(queueID), id)
	if err != nil {
		slog.Error("SQLiteStore TransferTicket failed", "error", err, "ticketID", id)
		return fmt.Errorf("failed to transfer ticket %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTicketNotFound
	}
	slog.Debug("SQLiteStore TransferTicket succeeded", "ticketID", id, "queueID", queueID)
	return nil
}

func (s *SQLiteStore) TouchTicket(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE tickets SET last_activity_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch ticket %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTicketNotFound
	}
	return nil
}

func (s *SQLiteStore) GetActiveSessionForTicket(ticketID string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT id, flow_id, ticket_id, contact_id, current_node_id, state, version, completed_at, transferred_at, created_at, updated_at
		FROM sessions WHERE ticket_id = ? AND completed_at IS NULL ORDER BY created_at LIMIT 1`, ticketID)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveSessionForTicket failed", "error", err, "ticketID", ticketID)
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) SaveSession(sess models.Session) error {
	stateJSON, err := encodeSessionState(&sess.State)
	if err != nil {
		slog.Error("SQLiteStore SaveSession state marshal failed", "error", err, "sessionID", sess.ID)
		return err
	}
	now := time.Now()

	if sess.Version == 0 {
		_, err = s.db.Exec(`INSERT INTO sessions (id, flow_id, ticket_id, contact_id, current_node_id, state, version, completed_at, transferred_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
			sess.ID, sess.FlowID, sess.TicketID, sess.ContactID, sess.CurrentNodeID, stateJSON,
			sess.CompletedAt, sess.TransferredAt, now, now)
		if err != nil {
			slog.Error("SQLiteStore SaveSession insert failed", "error", err, "sessionID", sess.ID)
			return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
		}
		slog.Debug("SQLiteStore SaveSession inserted", "sessionID", sess.ID)
		return nil
	}

	// Compare-and-swap keyed on version: a concurrent writer loses cleanly
	// instead of silently clobbering the other run's state.
	res, err := s.db.Exec(`UPDATE sessions SET current_node_id = ?, state = ?, version = version + 1, completed_at = ?, transferred_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		sess.CurrentNodeID, stateJSON, sess.CompletedAt, sess.TransferredAt, now, sess.ID, sess.Version)
	if err != nil {
		slog.Error("SQLiteStore SaveSession update failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("SQLiteStore SaveSession version conflict", "sessionID", sess.ID, "version", sess.Version)
		return models.ErrSessionConflict
	}
	slog.Debug("SQLiteStore SaveSession updated", "sessionID", sess.ID, "version", sess.Version+1)
	return nil
}

func (s *SQLiteStore) AddMessage(m models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO messages (id, ticket_id, author, body, status, attempts, last_error, claimed_at, created_at, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TicketID, string(m.Author), m.Body, string(m.Status), m.Attempts, nilIfEmpty(m.LastError), m.ClaimedAt, m.CreatedAt, m.SentAt)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "messageID", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	slog.Debug("SQLiteStore AddMessage succeeded", "messageID", m.ID, "ticketID", m.TicketID)
	return nil
}

func (s *SQLiteStore) ListMessages(ticketID string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, ticket_id, author, body, status, attempts, last_error, claimed_at, created_at, sent_at
		FROM messages WHERE ticket_id = ? ORDER BY created_at`, ticketID)
	if err != nil {
		slog.Error("SQLiteStore ListMessages query failed", "error", err, "ticketID", ticketID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLiteStore) ClaimPendingMessages(now time.Time, limit int) ([]models.Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	// Stale 'sending' rows are from a sender that crashed between claim and
	// delivery; once their lease expires they are claimed again.
	cutoff := now.Add(-OutboxLeaseTimeout)
	rows, err := tx.Query(`SELECT id, ticket_id, author, body, status, attempts, last_error, claimed_at, created_at, sent_at
		FROM messages WHERE author = 'bot' AND (status = 'pending' OR (status = 'sending' AND claimed_at < ?))
		ORDER BY created_at LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	claimed, err := collectMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range claimed {
		claimed[i].Status = models.MessageStatusSending
		claimed[i].Attempts++
		claimed[i].ClaimedAt = &now
		if _, err := tx.Exec(`UPDATE messages SET status = 'sending', attempts = attempts + 1, claimed_at = ? WHERE id = ?`, now, claimed[i].ID); err != nil {
			return nil, fmt.Errorf("failed to claim message %s: %w", claimed[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkMessageSent(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE messages SET status = 'sent', sent_at = ?, last_error = NULL WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark message %s sent: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrMessageNotFound
	}
	return nil
}

func (s *SQLiteStore) RequeueMessage(id string, lastError string) error {
	res, err := s.db.Exec(`UPDATE messages SET status = 'pending', last_error = ?, claimed_at = NULL WHERE id = ?`, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to requeue message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrMessageNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkMessageFailed(id string, lastError string) error {
	res, err := s.db.Exec(`UPDATE messages SET status = 'failed', last_error = ? WHERE id = ?`, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to mark message %s failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrMessageNotFound
	}
	return nil
}
