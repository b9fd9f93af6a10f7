// Package store defines the persistence interfaces for sessions, file
// records and pending logins. Backends live in subpackages.
package store

import (
	"context"
	"errors"

	"github.com/jun/drivebot/internal/model"
)

var (
	// ErrNotFound is returned when a key is absent.
	ErrNotFound = errors.New("record not found")

	// ErrStoreCorrupt is returned when a persisted record set cannot be parsed.
	ErrStoreCorrupt = errors.New("store corrupt")
)

// SessionStore persists one OAuth2 session per user.
type SessionStore interface {
	// GetSession returns ErrNotFound if the user has no session.
	GetSession(ctx context.Context, userID string) (*model.Session, error)

	// PutSession creates or replaces the session of s.UserID.
	PutSession(ctx context.Context, s *model.Session) error

	// DeleteSession returns ErrNotFound if the user has no session.
	DeleteSession(ctx context.Context, userID string) error
}

// FileRegistry persists file records.
type FileRegistry interface {
	// AddFile stores a new record. The registry assigns rec.Seq.
	AddFile(ctx context.Context, rec *model.FileRecord) error

	// GetFile returns ErrNotFound if no record has the id.
	GetFile(ctx context.Context, id string) (*model.FileRecord, error)

	// ListFiles returns the records of ownerID in creation order.
	ListFiles(ctx context.Context, ownerID string) ([]model.FileRecord, error)

	// DeleteFile returns ErrNotFound if no record has the id.
	DeleteFile(ctx context.Context, id string) error

	// DeleteFilesByOwner removes every record of ownerID and returns how many.
	DeleteFilesByOwner(ctx context.Context, ownerID string) (int, error)
}

// PendingStore persists issued login attempts until their redirect arrives.
type PendingStore interface {
	PutPending(ctx context.Context, p *model.PendingLogin) error

	// TakePending removes and returns the pending login. It returns
	// ErrNotFound if the id is unknown or was already taken.
	TakePending(ctx context.Context, id string) (*model.PendingLogin, error)
}

// Backend bundles the three key spaces of one storage backend.
type Backend interface {
	SessionStore
	FileRegistry
	PendingStore
	Close() error
}
