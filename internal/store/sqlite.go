// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Persists accounts, hashed auth sessions and meeting records with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/session"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db            *sql.DB
	logger        *slog.Logger
	tokenValidity time.Duration
	now           func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*sqliteOptions)

type sqliteOptions struct {
	driver        string
	tokenValidity time.Duration
	logger        *slog.Logger
}

// WithDriver selects the database/sql driver: DriverModernc or DriverCgo.
func WithDriver(driver string) SQLiteOption {
	return func(o *sqliteOptions) { o.driver = driver }
}

// WithTokenValidity sets how long an unused token stays valid.
func WithTokenValidity(d time.Duration) SQLiteOption {
	return func(o *sqliteOptions) { o.tokenValidity = d }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) SQLiteOption {
	return func(o *sqliteOptions) { o.logger = logger }
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	o := sqliteOptions{
		driver:        DriverModernc,
		tokenValidity: DefaultTokenValidity,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.driver != DriverModernc && o.driver != DriverCgo {
		return nil, fmt.Errorf("unsupported sqlite driver %q", o.driver)
	}
	logger := o.logger.With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(o.driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:            db,
		logger:        logger,
		tokenValidity: o.tokenValidity,
		now:           time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", o.driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS auth_sessions (
			user_id    TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			last_used  TEXT NOT NULL,
			PRIMARY KEY (user_id, token_hash),
			FOREIGN KEY (user_id) REFERENCES accounts(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_auth_sessions_last_used ON auth_sessions(last_used);

		CREATE TABLE IF NOT EXISTS meeting_sessions (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			destroyed_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_meeting_sessions_created ON meeting_sessions(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive column changes to databases created by
// earlier versions.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "auth_sessions",
			column: "created_at",
			apply:  `ALTER TABLE auth_sessions ADD COLUMN created_at TEXT`,
		},
		{
			table:  "meeting_sessions",
			column: "close_reason",
			apply:  `ALTER TABLE meeting_sessions ADD COLUMN close_reason TEXT`,
		},
		{
			table:  "accounts",
			column: "tokens_revoked_at",
			apply:  `ALTER TABLE accounts ADD COLUMN tokens_revoked_at TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

// CreateAccount registers a new account.
func (s *SQLiteStore) CreateAccount(ctx context.Context, displayName string) (*Account, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, errors.New("display name is required")
	}
	acct := &Account{
		ID:          uuid.New(),
		DisplayName: displayName,
		CreatedAt:   s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, display_name, created_at) VALUES (?, ?, ?)`,
		acct.ID.String(), acct.DisplayName, formatTime(acct.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting account: %w", err)
	}
	return acct, nil
}

// GetAccount returns the account with the given ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var (
		displayName, createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name, created_at FROM accounts WHERE id = ?`, id.String(),
	).Scan(&displayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &Account{ID: id, DisplayName: displayName, CreatedAt: created}, nil
}

// IssueToken creates a new session token for accountID.
func (s *SQLiteStore) IssueToken(ctx context.Context, accountID uuid.UUID) (string, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return "", err
	}
	token, err := auth.NewSessionToken()
	if err != nil {
		return "", err
	}
	now := formatTime(s.now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (user_id, token_hash, last_used, created_at) VALUES (?, ?, ?, ?)`,
		accountID.String(), HashToken(token), now, now)
	if err != nil {
		return "", fmt.Errorf("inserting auth session: %w", err)
	}
	return token, nil
}

// RevokeTokens deletes every session token of accountID and stamps the
// account so JWTs issued up to now are refused by ResolveSubject.
func (s *SQLiteStore) RevokeTokens(ctx context.Context, accountID uuid.UUID) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning revoke: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM auth_sessions WHERE user_id = ?`, accountID.String())
	if err != nil {
		return 0, fmt.Errorf("deleting auth sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting auth sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET tokens_revoked_at = ? WHERE id = ?`,
		formatTime(s.now()), accountID.String()); err != nil {
		return 0, fmt.Errorf("stamping revocation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing revoke: %w", err)
	}
	return n, nil
}

// ResolveSubject implements auth.SubjectResolver for JWT credentials.
// Tokens issued at or before the account's last revocation are refused.
func (s *SQLiteStore) ResolveSubject(ctx context.Context, accountID uuid.UUID, issuedAt time.Time) (auth.Identity, error) {
	var (
		displayName string
		revokedAt   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name, tokens_revoked_at FROM accounts WHERE id = ?`, accountID.String(),
	).Scan(&displayName, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, auth.ErrUnknownSubject
	}
	if err != nil {
		return auth.Identity{}, fmt.Errorf("querying account: %w", err)
	}
	if revokedAt.Valid {
		revoked, err := parseTime(revokedAt.String)
		if err != nil {
			return auth.Identity{}, fmt.Errorf("parsing tokens_revoked_at: %w", err)
		}
		if !issuedAt.After(revoked) {
			return auth.Identity{}, auth.ErrRevokedCredential
		}
	}
	return auth.Identity{AccountID: accountID, DisplayName: displayName}, nil
}

// Validate implements auth.CredentialStore for session tokens. A valid
// token has its last-used time refreshed.
func (s *SQLiteStore) Validate(ctx context.Context, cred auth.Credential) (auth.Identity, error) {
	if cred.Kind != auth.KindSessionToken {
		return auth.Identity{}, fmt.Errorf("%w: unsupported credential kind %q", auth.ErrCredentialRejected, cred.Kind)
	}

	hash := HashToken(cred.Token)
	var displayName, lastUsed string
	err := s.db.QueryRowContext(ctx, `
		SELECT a.display_name, s.last_used
		FROM auth_sessions s
		JOIN accounts a ON a.id = s.user_id
		WHERE s.user_id = ? AND s.token_hash = ?`,
		cred.AccountID.String(), hash,
	).Scan(&displayName, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, auth.ErrUnknownSubject
	}
	if err != nil {
		return auth.Identity{}, fmt.Errorf("querying auth session: %w", err)
	}

	last, err := parseTime(lastUsed)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("parsing last_used: %w", err)
	}

	now := s.now()
	if expired(last, now, s.tokenValidity) {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM auth_sessions WHERE user_id = ? AND token_hash = ?`,
			cred.AccountID.String(), hash); err != nil {
			s.logger.Warn("failed to delete expired auth session", "error", err)
		}
		return auth.Identity{}, auth.ErrExpiredToken
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET last_used = ? WHERE user_id = ? AND token_hash = ?`,
		formatTime(now), cred.AccountID.String(), hash); err != nil {
		return auth.Identity{}, fmt.Errorf("refreshing auth session: %w", err)
	}

	return auth.Identity{AccountID: cred.AccountID, DisplayName: displayName}, nil
}

// PruneExpiredTokens deletes auth sessions unused for longer than the token
// validity window.
func (s *SQLiteStore) PruneExpiredTokens(ctx context.Context) (int64, error) {
	if s.tokenValidity <= 0 {
		return 0, nil
	}
	cutoff := formatTime(s.now().Add(-s.tokenValidity))
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE last_used < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning auth sessions: %w", err)
	}
	return res.RowsAffected()
}

// RecordSessionCreated implements session.Recorder.
func (s *SQLiteStore) RecordSessionCreated(ctx context.Context, rec session.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meeting_sessions (id, owner_id, created_at) VALUES (?, ?, ?)`,
		rec.ID.String(), rec.OwnerID.String(), formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting meeting session: %w", err)
	}
	return nil
}

// RecordSessionDestroyed implements session.Recorder. The record is
// created if the creation event was lost.
func (s *SQLiteStore) RecordSessionDestroyed(ctx context.Context, rec session.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meeting_sessions (id, owner_id, created_at, destroyed_at, close_reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			destroyed_at = excluded.destroyed_at,
			close_reason = excluded.close_reason`,
		rec.ID.String(), rec.OwnerID.String(), formatTime(rec.CreatedAt),
		formatTime(rec.DestroyedAt), rec.Reason)
	if err != nil {
		return fmt.Errorf("updating meeting session: %w", err)
	}
	return nil
}

// ListSessionRecords returns up to limit records, newest first.
func (s *SQLiteStore) ListSessionRecords(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, created_at, destroyed_at, close_reason
		FROM meeting_sessions
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying meeting sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var (
			id, owner, created string
			destroyed, reason  sql.NullString
		)
		if err := rows.Scan(&id, &owner, &created, &destroyed, &reason); err != nil {
			return nil, fmt.Errorf("scanning meeting session: %w", err)
		}
		rec, err := buildRecord(id, owner, created, destroyed, reason)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func buildRecord(id, owner, created string, destroyed, reason sql.NullString) (SessionRecord, error) {
	var rec SessionRecord
	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return rec, fmt.Errorf("parsing session id: %w", err)
	}
	if rec.OwnerID, err = uuid.Parse(owner); err != nil {
		return rec, fmt.Errorf("parsing owner id: %w", err)
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return rec, fmt.Errorf("parsing created_at: %w", err)
	}
	if destroyed.Valid {
		t, err := parseTime(destroyed.String)
		if err != nil {
			return rec, fmt.Errorf("parsing destroyed_at: %w", err)
		}
		rec.DestroyedAt = &t
	}
	rec.CloseReason = reason.String
	return rec, nil
}
