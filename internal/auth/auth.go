// Package auth implements invite-only admin accounts: users can only be
// created by redeeming an invite with a temporary password, and every
// security-relevant action lands in an activity log.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	inviteTTL = 7 * 24 * time.Hour

	// RoleAdmin is the only role the dashboard has.
	RoleAdmin = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrInviteNotFound     = errors.New("invite not found or already used")
	ErrInviteExpired      = errors.New("invite has expired")
)

// Service manages users, invites and the activity log.
type Service struct {
	db *sql.DB
}

// NewService creates the auth service and applies its schema.
func NewService(db *sql.DB) (*Service, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			full_name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'admin',
			is_active INTEGER NOT NULL DEFAULT 1,
			must_change_password INTEGER NOT NULL DEFAULT 0,
			last_login INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS invites (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			temp_password_hash TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			used_at INTEGER
		);
		CREATE TABLE IF NOT EXISTS activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			activity_type TEXT NOT NULL,
			description TEXT,
			metadata_json TEXT,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply auth schema: %w", err)
	}
	return &Service{db: db}, nil
}

// Bootstrap creates the first admin account directly when no users exist.
// Returns false when the instance is already set up.
func (s *Service) Bootstrap(ctx context.Context, email, fullName, password string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().Unix()
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, full_name, password_hash, role, is_active, must_change_password, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)
	`, id, normalizeEmail(email), fullName, string(hash), RoleAdmin, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to create bootstrap user: %w", err)
	}

	s.logActivity(ctx, id, "admin_action", "bootstrap account created", nil)
	return true, nil
}

// CreateInvite issues an invitation for a new admin account and returns the
// one-time temporary password. Only the bcrypt hash is stored.
func (s *Service) CreateInvite(ctx context.Context, createdBy, email string) (string, error) {
	tempPassword := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(tempPassword), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash temp password: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invites (id, email, temp_password_hash, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			temp_password_hash = excluded.temp_password_hash,
			created_by = excluded.created_by,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			used_at = NULL
	`, uuid.NewString(), normalizeEmail(email), string(hash), createdBy, now.Unix(), now.Add(inviteTTL).Unix())
	if err != nil {
		return "", fmt.Errorf("failed to create invite: %w", err)
	}

	s.logActivity(ctx, createdBy, "admin_action", "invite created", map[string]string{"email": normalizeEmail(email)})
	return tempPassword, nil
}

// AcceptInvite redeems an invite: the temporary password must match and the
// invite must be unused and unexpired. The new account starts with the chosen
// password and does not need to change it again.
func (s *Service) AcceptInvite(ctx context.Context, email, tempPassword, newPassword, fullName string) (*User, error) {
	email = normalizeEmail(email)

	var id, tempHash string
	var expiresAt int64
	var usedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, temp_password_hash, expires_at, used_at FROM invites WHERE email = ?
	`, email).Scan(&id, &tempHash, &expiresAt, &usedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInviteNotFound
		}
		return nil, fmt.Errorf("failed to load invite: %w", err)
	}
	if usedAt.Valid {
		return nil, ErrInviteNotFound
	}
	if time.Now().Unix() > expiresAt {
		return nil, ErrInviteExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(tempHash), []byte(tempPassword)) != nil {
		return nil, ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &User{
		ID:        uuid.NewString(),
		Email:     email,
		FullName:  fullName,
		Role:      RoleAdmin,
		IsActive:  true,
		CreatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, full_name, password_hash, role, is_active, must_change_password, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)
	`, user.ID, user.Email, user.FullName, string(hash), user.Role, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE invites SET used_at = ? WHERE id = ?`, now.Unix(), id); err != nil {
		return nil, fmt.Errorf("failed to mark invite used: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.logActivity(ctx, user.ID, "admin_action", "invite accepted", nil)
	return user, nil
}

// Authenticate validates credentials and records the login.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, hash, err := s.getUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, now.Unix(), user.ID); err != nil {
		logrus.WithError(err).Warn("failed to record last login")
	}
	user.LastLogin = &now

	s.logActivity(ctx, user.ID, "login", "user signed in", map[string]string{"login_method": "email"})
	return user, nil
}

// ChangePassword replaces a user's password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id = ?`, userID).Scan(&hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("failed to load user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(currentPassword)) != nil {
		return ErrInvalidCredentials
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, must_change_password = 0, updated_at = ? WHERE id = ?
	`, string(newHash), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	s.logActivity(ctx, userID, "profile_update", "password changed", nil)
	return nil
}

// SetActive enables or disables an account.
func (s *Service) SetActive(ctx context.Context, adminID, userID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?
	`, boolToInt(active), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no such user %s", userID)
	}

	action := "account disabled"
	if active {
		action = "account enabled"
	}
	s.logActivity(ctx, adminID, "admin_action", action, map[string]string{"target_user": userID})
	return nil
}

// GetUser loads one user by id.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, full_name, role, is_active, must_change_password, last_login, created_at
		FROM users WHERE id = ?
	`, userID)
	user, _, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no such user %s", userID)
		}
		return nil, err
	}
	return user, nil
}

// ListUsers returns all accounts, newest first.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, full_name, role, is_active, must_change_password, last_login, created_at
		FROM users ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, _, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// ListActivity returns a user's recent activity rows.
func (s *Service) ListActivity(ctx context.Context, userID string, limit int) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, activity_type, description, metadata_json, created_at
		FROM activity_log WHERE user_id = ? ORDER BY id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var entries []Activity
	for rows.Next() {
		var a Activity
		var desc, meta sql.NullString
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.ActivityType, &desc, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		a.Description = desc.String
		a.Metadata = meta.String
		a.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

// logActivity appends an audit row. Audit failures are logged, never fatal.
func (s *Service) logActivity(ctx context.Context, userID, activityType, description string, metadata map[string]string) {
	var metaJSON []byte
	if metadata != nil {
		metaJSON, _ = json.Marshal(metadata)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (user_id, activity_type, description, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, activityType, description, string(metaJSON), time.Now().Unix())
	if err != nil {
		logrus.WithError(err).Warn("failed to write activity log")
	}
}

func (s *Service) getUserByEmail(ctx context.Context, email string) (*User, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, full_name, role, is_active, must_change_password, last_login, created_at, password_hash
		FROM users WHERE email = ?
	`, email)

	var u User
	var lastLogin sql.NullInt64
	var createdAt int64
	var isActive, mustChange int
	var hash string
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &isActive, &mustChange, &lastLogin, &createdAt, &hash)
	if err != nil {
		return nil, "", err
	}
	u.IsActive = isActive != 0
	u.MustChangePassword = mustChange != 0
	u.CreatedAt = time.Unix(createdAt, 0)
	if lastLogin.Valid {
		t := time.Unix(lastLogin.Int64, 0)
		u.LastLogin = &t
	}
	return &u, hash, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, string, error) {
	var u User
	var lastLogin sql.NullInt64
	var createdAt int64
	var isActive, mustChange int
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &isActive, &mustChange, &lastLogin, &createdAt)
	if err != nil {
		return nil, "", err
	}
	u.IsActive = isActive != 0
	u.MustChangePassword = mustChange != 0
	u.CreatedAt = time.Unix(createdAt, 0)
	if lastLogin.Valid {
		t := time.Unix(lastLogin.Int64, 0)
		u.LastLogin = &t
	}
	return &u, "", nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
