// Package sqlite is a single-file SQL store backend built on the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jun/drivebot/internal/model"
	"github.com/jun/drivebot/internal/store"
)

// Store implements store.Backend using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers to prevent SQLITE_BUSY
}

var _ store.Backend = (*Store)(nil)

// Open creates or opens the database at dbPath. A file that is not a
// database or is corrupt is moved aside as <path>.corrupt-<unix> and the
// store starts empty.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	s, err := open(dbPath)
	if !isCorrupt(err) {
		return s, err
	}

	backup := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
	if renameErr := moveAside(dbPath, backup); renameErr != nil {
		return nil, fmt.Errorf("move corrupt database aside: %w", renameErr)
	}
	logger.Warn("Database corrupt, starting empty", "path", dbPath, "backup", backup, "error", err)
	return open(dbPath)
}

func open(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// isCorrupt reports whether err is SQLITE_CORRUPT or SQLITE_NOTADB,
// including their extended codes.
func isCorrupt(err error) bool {
	var serr *moderncsqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return true
	}
	return false
}

// moveAside renames the database and its WAL side files to backup.
func moveAside(dbPath, backup string) error {
	if err := os.Rename(dbPath, backup); err != nil {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(dbPath+suffix, backup+suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		token_type TEXT NOT NULL DEFAULT '',
		expiry INTEGER NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		account_email TEXT NOT NULL DEFAULT '',
		folder_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS files (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		remote_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS pending_logins (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chat_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// GetSession retrieves the session of userID.
func (s *Store) GetSession(ctx context.Context, userID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, access_token, refresh_token, token_type, expiry, scope,
		       account_email, folder_id, created_at, updated_at
		FROM sessions WHERE user_id = ?`, userID)

	var (
		sess                         model.Session
		expiry, createdAt, updatedAt int64
	)
	err := row.Scan(&sess.UserID, &sess.AccessToken, &sess.RefreshToken, &sess.TokenType,
		&expiry, &sess.Scope, &sess.AccountEmail, &sess.FolderID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Expiry = fromUnixNano(expiry)
	sess.CreatedAt = fromUnixNano(createdAt)
	sess.UpdatedAt = fromUnixNano(updatedAt)
	return &sess, nil
}

// PutSession creates or replaces a session.
func (s *Store) PutSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO sessions (user_id, access_token, refresh_token, token_type, expiry, scope,
	                      account_email, folder_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		access_token = excluded.access_token,
		refresh_token = excluded.refresh_token,
		token_type = excluded.token_type,
		expiry = excluded.expiry,
		scope = excluded.scope,
		account_email = excluded.account_email,
		folder_id = excluded.folder_id,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at`,
		sess.UserID, sess.AccessToken, sess.RefreshToken, sess.TokenType, unixNano(sess.Expiry),
		sess.Scope, sess.AccountEmail, sess.FolderID, unixNano(sess.CreatedAt), unixNano(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddFile stores a new file record; the row id becomes its sequence number.
func (s *Store) AddFile(ctx context.Context, rec *model.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO files (id, remote_id, name, owner_id, mime_type, size, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RemoteID, rec.Name, rec.OwnerID, rec.MIMEType, rec.Size, unixNano(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert file record: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	rec.Seq = seq
	return nil
}

const fileColumns = `seq, id, remote_id, name, owner_id, mime_type, size, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*model.FileRecord, error) {
	var (
		rec       model.FileRecord
		createdAt int64
	)
	if err := row.Scan(&rec.Seq, &rec.ID, &rec.RemoteID, &rec.Name, &rec.OwnerID,
		&rec.MIMEType, &rec.Size, &createdAt); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromUnixNano(createdAt)
	return &rec, nil
}

// GetFile retrieves one file record.
func (s *Store) GetFile(ctx context.Context, id string) (*model.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan file row: %w", err)
	}
	return rec, nil
}

// ListFiles returns the records of ownerID in creation order.
func (s *Store) ListFiles(ctx context.Context, ownerID string) ([]model.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = ? ORDER BY created_at, seq`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	recs := []model.FileRecord{}
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return recs, nil
}

// DeleteFile removes one file record.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	return requireAffected(res)
}

// DeleteFilesByOwner removes every record of ownerID.
func (s *Store) DeleteFilesByOwner(ctx context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete file records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// PutPending records a login attempt and purges expired ones.
func (s *Store) PutPending(ctx context.Context, p *model.PendingLogin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_logins WHERE expires_at <= ?`, p.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("purge pending logins: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO pending_logins (id, user_id, chat_id, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.ChatID, unixNano(p.CreatedAt), p.ExpiresAt); err != nil {
		return fmt.Errorf("insert pending login: %w", err)
	}
	return tx.Commit()
}

// TakePending removes and returns a login attempt.
func (s *Store) TakePending(ctx context.Context, id string) (*model.PendingLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var (
		p         model.PendingLogin
		createdAt int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, user_id, chat_id, created_at, expires_at FROM pending_logins WHERE id = ?`, id).
		Scan(&p.ID, &p.UserID, &p.ChatID, &createdAt, &p.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending login: %w", err)
	}
	p.CreatedAt = fromUnixNano(createdAt)

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_logins WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete pending login: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &p, nil
}
