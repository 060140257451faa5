// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Connection pool settings for the PostgreSQL store.
const (
	// MaxOpenConns caps concurrent connections to the database.
	MaxOpenConns = 25
	// MaxIdleConns is the number of idle connections kept in the pool.
	MaxIdleConns = 5
	// ConnMaxLifetime bounds how long a pooled connection may be reused.
	ConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN and runs
// migrations on open.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetConnMaxLifetime(ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running PostgreSQL migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) UpsertFlow(f models.Flow) error {
	now := time.Now()
	keywords, schedule, err := encodeFlowColumns(&f)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, name, trigger_kind, keywords, priority, definition, offline_message, transfer_queue_id, schedule, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, trigger_kind = EXCLUDED.trigger_kind, keywords = EXCLUDED.keywords,
			priority = EXCLUDED.priority, definition = EXCLUDED.definition, offline_message = EXCLUDED.offline_message,
			transfer_queue_id = EXCLUDED.transfer_queue_id, schedule = EXCLUDED.schedule, active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		f.ID, f.Name, string(f.Trigger), keywords, f.Priority, string(f.Definition),
		nilIfEmpty(f.OfflineMessage), nilIfEmpty(f.TransferQueueID), schedule, f.Active, now, now)
	if err != nil {
		slog.Error("PostgresStore UpsertFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to upsert flow %s: %w", f.ID, err)
	}
	slog.Debug("PostgresStore UpsertFlow succeeded", "flowID", f.ID)
	return nil
}

func (s *PostgresStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT id, name, trigger_kind, keywords, priority, definition, offline_message, transfer_queue_id, schedule, active, created_at, updated_at
		FROM flows WHERE id = $1`, id)
	f, err := scanFlowRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "flowID", id)
		return nil, err
	}
	return f, nil
}

func (s *PostgresStore) ListFlows() ([]models.Flow, error) {
	return s.queryFlows(`SELECT id, name, trigger_kind, keywords, priority, definition, offline_message, transfer_queue_id, schedule, active, created_at, updated_at
		FROM flows ORDER BY priority, name`)
}

func (s *PostgresStore) ListActiveFlows() ([]models.Flow, error) {
	return s.queryFlows(`SELECT id, name, trigger_kind, keywords, priority, definition, offline_message, transfer_queue_id, schedule, active, created_at, updated_at
		FROM flows WHERE active = TRUE ORDER BY priority, name`)
}

func (s *PostgresStore) queryFlows(query string) ([]models.Flow, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("PostgresStore flow query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()
	return collectFlows(rows)
}

func (s *PostgresStore) GetTicket(id string) (*models.Ticket, error) {
	row := s.db.QueryRow(`SELECT id, contact_id, queue_id, assignee_id, status, last_activity_at, created_at FROM tickets WHERE id = $1`, id)
	t, err := scanTicketRow(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrTicketNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetTicket failed", "error", err, "ticketID", id)
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) GetOrCreateTicketByContact(contactID string) (*models.Ticket, error) {
	row := s.db.QueryRow(`SELECT id, contact_id, queue_id, assignee_id, status, last_activity_at, created_at
		FROM tickets WHERE contact_id = $1 AND status != 'closed' ORDER BY created_at LIMIT 1`, contactID)
	t, err := scanTicketRow(row)
	if err == nil {
		return t, nil
	}
	if err != sql.ErrNoRows {
		slog.Error("PostgresStore GetOrCreateTicketByContact query failed", "error", err, "contactID", contactID)
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
	_, err = s.db.Exec(`INSERT INTO tickets (id, contact_id, status, last_activity_at, created_at) VALUES ($1, $2, $3, $4, $5)`,
		created.ID, created.ContactID, string(created.Status), created.LastActivityAt, created.CreatedAt)
	if err != nil {
		// A concurrent caller may have won the insert; the unique index on
		// open tickets per contact rejects ours, so re-read theirs.
		row := s.db.QueryRow(`SELECT id, contact_id, queue_id, assignee_id, status, last_activity_at, created_at
			FROM tickets WHERE contact_id = $1 AND status != 'closed' ORDER BY created_at LIMIT 1`, contactID)
		if existing, selErr := scanTicketRow(row); selErr == nil {
			slog.Debug("PostgresStore ticket insert lost race, reusing existing", "ticketID", existing.ID, "contactID", contactID)
			return existing, nil
		}
		slog.Error("PostgresStore ticket insert failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to create ticket for %s: %w", contactID, err)
	}
	slog.Info("PostgresStore created ticket", "ticketID", created.ID, "contactID", contactID)
	return &created, nil
}

func (s *PostgresStore) TransferTicket(id, queueID string) error {
	res, err := s.db.Exec(`UPDATE tickets SET queue_id = $1, assignee_id = NULL, status = 'pending' WHERE id = $2`, nilIfEmpty(queueID), id)
	if err != nil {
		slog.Error("PostgresStore TransferTicket failed", "error", err, "ticketID", id)
		return fmt.Errorf("failed to transfer ticket %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTicketNotFound
	}
	slog.Debug("PostgresStore TransferTicket succeeded", "ticketID", id, "queueID", queueID)
	return nil
}

func (s *PostgresStore) TouchTicket(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE tickets SET last_activity_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch ticket %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTicketNotFound
	}
	return nil
}

func (s *PostgresStore) GetActiveSessionForTicket(ticketID string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT id, flow_id, ticket_id, contact_id, current_node_id, state, version, completed_at, transferred_at, created_at, updated_at
		FROM sessions WHERE ticket_id = $1 AND completed_at IS NULL ORDER BY created_at LIMIT 1`, ticketID)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveSessionForTicket failed", "error", err, "ticketID", ticketID)
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) SaveSession(sess models.Session) error {
	stateJSON, err := encodeSessionState(&sess.State)
	if err != nil {
		slog.Error("PostgresStore SaveSession state marshal failed", "error", err, "sessionID", sess.ID)
		return err
	}
	now := time.Now()

	if sess.Version == 0 {
		_, err = s.db.Exec(`INSERT INTO sessions (id, flow_id, ticket_id, contact_id, current_node_id, state, version, completed_at, transferred_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, $9, $10)`,
			sess.ID, sess.FlowID, sess.TicketID, sess.ContactID, sess.CurrentNodeID, stateJSON,
			sess.CompletedAt, sess.TransferredAt, now, now)
		if err != nil {
			slog.Error("PostgresStore SaveSession insert failed", "error", err, "sessionID", sess.ID)
			return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
		}
		slog.Debug("PostgresStore SaveSession inserted", "sessionID", sess.ID)
		return nil
	}

	// Compare-and-swap keyed on version, same contract as the SQLite store.
	res, err := s.db.Exec(`UPDATE sessions SET current_node_id = $1, state = $2, version = version + 1, completed_at = $3, transferred_at = $4, updated_at = $5
		WHERE id = $6 AND version = $7`,
		sess.CurrentNodeID, stateJSON, sess.CompletedAt, sess.TransferredAt, now, sess.ID, sess.Version)
	if err != nil {
		slog.Error("PostgresStore SaveSession update failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("PostgresStore SaveSession version conflict", "sessionID", sess.ID, "version", sess.Version)
		return models.ErrSessionConflict
	}
	slog.Debug("PostgresStore SaveSession updated", "sessionID", sess.ID, "version", sess.Version+1)
	return nil
}

func (s *PostgresStore) AddMessage(m models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO messages (id, ticket_id, author, body, status, attempts, last_error, claimed_at, created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.TicketID, string(m.Author), m.Body, string(m.Status), m.Attempts, nilIfEmpty(m.LastError), m.ClaimedAt, m.CreatedAt, m.SentAt)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "messageID", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	slog.Debug("PostgresStore AddMessage succeeded", "messageID", m.ID, "ticketID", m.TicketID)
	return nil
}

func (s *PostgresStore) ListMessages(ticketID string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, ticket_id, author, body, status, attempts, last_error, claimed_at, created_at, sent_at
		FROM messages WHERE ticket_id = $1 ORDER BY created_at`, ticketID)
	if err != nil {
		slog.Error("PostgresStore ListMessages query failed", "error", err, "ticketID", ticketID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) ClaimPendingMessages(now time.Time, limit int) ([]models.Message, error) {
	// FOR UPDATE SKIP LOCKED lets multiple senders claim disjoint batches.
	// Stale 'sending' rows are from a sender that crashed between claim and
	// delivery; once their lease expires they are claimed again.
	rows, err := s.db.Query(`UPDATE messages SET status = 'sending', attempts = attempts + 1, claimed_at = $1
		WHERE id IN (
			SELECT id FROM messages
			WHERE author = 'bot' AND (status = 'pending' OR (status = 'sending' AND claimed_at < $2))
			ORDER BY created_at LIMIT $3 FOR UPDATE SKIP LOCKED
		)
		RETURNING id, ticket_id, author, body, status, attempts, last_error, claimed_at, created_at, sent_at`,
		now, now.Add(-OutboxLeaseTimeout), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) MarkMessageSent(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE messages SET status = 'sent', sent_at = $1, last_error = NULL WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark message %s sent: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) RequeueMessage(id string, lastError string) error {
	res, err := s.db.Exec(`UPDATE messages SET status = 'pending', last_error = $1, claimed_at = NULL WHERE id = $2`, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to requeue message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) MarkMessageFailed(id string, lastError string) error {
	res, err := s.db.Exec(`UPDATE messages SET status = 'failed', last_error = $1 WHERE id = $2`, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to mark message %s failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrMessageNotFound
	}
	return nil
}
