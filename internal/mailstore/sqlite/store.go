// Package sqlite is the durable mailbox and checkpoint store. Each user gets
// their own database file; all writes are idempotent upserts so sync runs can
// be repeated safely after a crash.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/vertexvista/mailsync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Store represents a per-user mailbox store
type Store struct {
	DB *sql.DB
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Account holds the persisted OAuth credential for one (user, provider).
type Account struct {
	UserID       string
	Provider     sync.ProviderName
	EmailAddress string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
}

// OpenUserDB opens or creates a per-user mailbox database
func OpenUserDB(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// UpsertMessages writes a batch of normalized messages keyed by their
// composite storage id. The whole batch is attempted in one transaction; if
// that fails, rows are retried one at a time so a single malformed row cannot
// sink the run. Each stored message also gets an outbox entry for the event
// publisher. Returns the number of rows stored and the ids that failed.
func (s *Store) UpsertMessages(ctx context.Context, userID string, msgs []sync.Message) (int, []string, error) {
	if len(msgs) == 0 {
		return 0, nil, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	batchErr := func() error {
		for i := range msgs {
			if err := s.upsertMessageTx(ctx, tx, userID, &msgs[i]); err != nil {
				return err
			}
		}
		return tx.Commit()
	}()

	if batchErr == nil {
		return len(msgs), nil, nil
	}

	_ = tx.Rollback()
	logrus.WithError(batchErr).Warn("batch upsert failed, falling back to per-row writes")

	// Per-row fallback: collect ids that still fail instead of aborting.
	stored := 0
	var failed []string
	for i := range msgs {
		rowTx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return stored, failed, fmt.Errorf("failed to begin transaction: %w", err)
		}
		if err := s.upsertMessageTx(ctx, rowTx, userID, &msgs[i]); err != nil {
			_ = rowTx.Rollback()
			failed = append(failed, msgs[i].ProviderMessageID)
			continue
		}
		if err := rowTx.Commit(); err != nil {
			failed = append(failed, msgs[i].ProviderMessageID)
			continue
		}
		stored++
	}

	return stored, failed, nil
}

func (s *Store) upsertMessageTx(ctx context.Context, tx *sql.Tx, userID string, m *sync.Message) error {
	labelsJSON, err := json.Marshal(m.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	metadataJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO emails
		(id, user_id, provider, provider_message_id, thread_id, subject,
		 sender_name, sender_email, recipient_email, body, timestamp,
		 is_read, is_important, labels_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_message_id, user_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			recipient_email = excluded.recipient_email,
			body = excluded.body,
			timestamp = excluded.timestamp,
			is_read = excluded.is_read,
			is_important = excluded.is_important,
			labels_json = excluded.labels_json,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at
	`, m.StorageID(), userID, string(m.Provider), m.ProviderMessageID, m.ThreadID, m.Subject,
		m.SenderName, m.SenderEmail, m.RecipientEmail, m.Body, m.Timestamp.Unix(),
		boolToInt(m.IsRead), boolToInt(m.IsImportant), string(labelsJSON), string(metadataJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert email %s: %w", m.ProviderMessageID, err)
	}

	// Outbox entry rides the same transaction. msg_id is UNIQUE so a
	// re-synced message does not produce a second event.
	payload, err := json.Marshal(map[string]interface{}{
		"user_id":             userID,
		"provider":            string(m.Provider),
		"provider_message_id": m.ProviderMessageID,
		"provider_thread_id":  m.ThreadID,
		"subject":             m.Subject,
		"sender_name":         m.SenderName,
		"sender_email":        m.SenderEmail,
		"timestamp":           m.Timestamp.Unix(),
		"is_important":        m.IsImportant,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	msgID := fmt.Sprintf("mail.received|%s|%s", m.Provider, m.ProviderMessageID)
	subject := fmt.Sprintf("user.%s.mail.received", userID)
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, "mail.received", payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return nil
}

// ListMessages returns stored messages for a user, newest first.
func (s *Store) ListMessages(ctx context.Context, userID string, limit, offset int) ([]sync.Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT provider, provider_message_id, thread_id, subject, sender_name,
		       sender_email, recipient_email, body, timestamp, is_read,
		       is_important, labels_json, metadata_json
		FROM emails
		WHERE user_id = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	var msgs []sync.Message
	for rows.Next() {
		var m sync.Message
		var provider, labelsJSON, metadataJSON string
		var threadID sql.NullString
		var ts int64
		var isRead, isImportant int
		if err := rows.Scan(&provider, &m.ProviderMessageID, &threadID, &m.Subject, &m.SenderName,
			&m.SenderEmail, &m.RecipientEmail, &m.Body, &ts, &isRead,
			&isImportant, &labelsJSON, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan email row: %w", err)
		}
		m.Provider = sync.ProviderName(provider)
		m.ThreadID = threadID.String
		m.Timestamp = time.Unix(ts, 0)
		m.IsRead = isRead != 0
		m.IsImportant = isImportant != 0
		if err := json.Unmarshal([]byte(labelsJSON), &m.Labels); err != nil {
			m.Labels = nil
		}
		if err := json.Unmarshal([]byte(metadataJSON), &m.Metadata); err != nil {
			m.Metadata = nil
		}
		msgs = append(msgs, m)
	}

	return msgs, rows.Err()
}

// CountMessages returns the number of stored messages for a user.
func (s *Store) CountMessages(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return n, nil
}

// GetCheckpoint loads the sync checkpoint for a (user, provider) pair.
// Returns (nil, nil) when no checkpoint exists yet.
func (s *Store) GetCheckpoint(ctx context.Context, userID string, provider sync.ProviderName) (*sync.Checkpoint, error) {
	cp := &sync.Checkpoint{UserID: userID, Provider: provider}
	var cursor, pageToken, lastError sql.NullString
	var status string
	var lastSyncAt int64

	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor, page_token, status, total_count, synced_count, last_sync_at, last_error
		FROM sync_checkpoints
		WHERE user_id = ? AND provider = ?
	`, userID, string(provider)).Scan(&cursor, &pageToken, &status, &cp.TotalCount, &cp.SyncedCount, &lastSyncAt, &lastError)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp.Cursor = cursor.String
	cp.PageToken = pageToken.String
	cp.Status = sync.CheckpointStatus(status)
	cp.LastSyncAt = time.Unix(lastSyncAt, 0)
	cp.LastError = lastError.String
	return cp, nil
}

// UpsertCheckpoint writes the checkpoint row for (user, provider). Exactly one
// row exists per pair; rows are never deleted.
func (s *Store) UpsertCheckpoint(ctx context.Context, cp *sync.Checkpoint) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_checkpoints
		(user_id, provider, cursor, page_token, status, total_count, synced_count, last_sync_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			cursor = excluded.cursor,
			page_token = excluded.page_token,
			status = excluded.status,
			total_count = excluded.total_count,
			synced_count = excluded.synced_count,
			last_sync_at = excluded.last_sync_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, cp.UserID, string(cp.Provider), cp.Cursor, cp.PageToken, string(cp.Status),
		cp.TotalCount, cp.SyncedCount, cp.LastSyncAt.Unix(), cp.LastError, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// SaveAccount persists the OAuth credential for a (user, provider).
func (s *Store) SaveAccount(ctx context.Context, a *Account) error {
	var expiry int64
	if !a.TokenExpiry.IsZero() {
		expiry = a.TokenExpiry.Unix()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (user_id, provider, email_address, access_token, refresh_token, token_expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			email_address = excluded.email_address,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expiry = excluded.token_expiry,
			updated_at = excluded.updated_at
	`, a.UserID, string(a.Provider), a.EmailAddress, a.AccessToken, a.RefreshToken, expiry, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAccount returns the stored credential, or (nil, nil) if none exists.
func (s *Store) LoadAccount(ctx context.Context, userID string, provider sync.ProviderName) (*Account, error) {
	a := &Account{UserID: userID, Provider: provider}
	var email, refresh sql.NullString
	var expiry sql.NullInt64

	err := s.DB.QueryRowContext(ctx, `
		SELECT email_address, access_token, refresh_token, token_expiry
		FROM accounts
		WHERE user_id = ? AND provider = ?
	`, userID, string(provider)).Scan(&email, &a.AccessToken, &refresh, &expiry)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	a.EmailAddress = email.String
	a.RefreshToken = refresh.String
	if expiry.Valid && expiry.Int64 > 0 {
		a.TokenExpiry = time.Unix(expiry.Int64, 0)
	}
	return a, nil
}

// DeleteAccount removes the stored credential on explicit disconnect.
func (s *Store) DeleteAccount(ctx context.Context, userID string, provider sync.ProviderName) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM accounts WHERE user_id = ? AND provider = ?
	`, userID, string(provider))
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
