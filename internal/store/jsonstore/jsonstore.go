// Package jsonstore is the flat-file store backend: one human-readable
// JSON file per key space inside a data directory.
package jsonstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jun/drivebot/internal/model"
	"github.com/jun/drivebot/internal/store"
)

const (
	sessionsFile = "sessions.json"
	filesFile    = "files.json"
	pendingFile  = "pending.json"
)

// Store implements store.Backend on top of JSON files.
type Store struct {
	sessions *collection[model.Session]
	files    *collection[model.FileRecord]
	pending  *collection[model.PendingLogin]
}

var _ store.Backend = (*Store)(nil)

// Open loads (or creates) the store files in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return nil, fmt.Errorf("jsonstore: creating data directory %s: %w", dir, err)
	}

	sessions, err := openCollection[model.Session](filepath.Join(dir, sessionsFile), logger)
	if err != nil {
		return nil, err
	}
	files, err := openCollection[model.FileRecord](filepath.Join(dir, filesFile), logger)
	if err != nil {
		return nil, err
	}
	pending, err := openCollection[model.PendingLogin](filepath.Join(dir, pendingFile), logger)
	if err != nil {
		return nil, err
	}

	logger.Info("JSON store opened", "dir", dir)
	return &Store{sessions: sessions, files: files, pending: pending}, nil
}

// Close is a no-op; every mutation is already flushed.
func (s *Store) Close() error { return nil }

// GetSession returns the session of userID.
func (s *Store) GetSession(_ context.Context, userID string) (*model.Session, error) {
	var (
		sess model.Session
		ok   bool
	)
	s.sessions.view(func(items map[string]model.Session) {
		sess, ok = items[userID]
	})
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

// PutSession creates or replaces a session.
func (s *Store) PutSession(_ context.Context, sess *model.Session) error {
	return s.sessions.update(func(items map[string]model.Session) error {
		items[sess.UserID] = *sess
		return nil
	})
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(_ context.Context, userID string) error {
	return s.sessions.update(func(items map[string]model.Session) error {
		if _, ok := items[userID]; !ok {
			return store.ErrNotFound
		}
		delete(items, userID)
		return nil
	})
}

// AddFile stores a new file record and assigns its sequence number.
func (s *Store) AddFile(_ context.Context, rec *model.FileRecord) error {
	return s.files.update(func(items map[string]model.FileRecord) error {
		if _, ok := items[rec.ID]; ok {
			return fmt.Errorf("jsonstore: file record %s already exists", rec.ID)
		}
		var maxSeq int64
		for _, r := range items {
			if r.RemoteID == rec.RemoteID {
				return fmt.Errorf("jsonstore: remote id %s already registered", rec.RemoteID)
			}
			maxSeq = max(maxSeq, r.Seq)
		}
		rec.Seq = maxSeq + 1
		items[rec.ID] = *rec
		return nil
	})
}

// GetFile returns the file record with the given id.
func (s *Store) GetFile(_ context.Context, id string) (*model.FileRecord, error) {
	var (
		rec model.FileRecord
		ok  bool
	)
	s.files.view(func(items map[string]model.FileRecord) {
		rec, ok = items[id]
	})
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

// ListFiles returns the records of ownerID in creation order.
func (s *Store) ListFiles(_ context.Context, ownerID string) ([]model.FileRecord, error) {
	recs := []model.FileRecord{}
	s.files.view(func(items map[string]model.FileRecord) {
		for _, r := range items {
			if r.OwnerID == ownerID {
				recs = append(recs, r)
			}
		}
	})
	store.SortByCreation(recs)
	return recs, nil
}

// DeleteFile removes one file record.
func (s *Store) DeleteFile(_ context.Context, id string) error {
	return s.files.update(func(items map[string]model.FileRecord) error {
		if _, ok := items[id]; !ok {
			return store.ErrNotFound
		}
		delete(items, id)
		return nil
	})
}

// DeleteFilesByOwner removes every record of ownerID.
func (s *Store) DeleteFilesByOwner(_ context.Context, ownerID string) (int, error) {
	n := 0
	err := s.files.update(func(items map[string]model.FileRecord) error {
		for id, r := range items {
			if r.OwnerID == ownerID {
				delete(items, id)
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// PutPending records a login attempt and drops attempts that expired
// before it was created.
func (s *Store) PutPending(_ context.Context, p *model.PendingLogin) error {
	return s.pending.update(func(items map[string]model.PendingLogin) error {
		for id, old := range items {
			if old.Expired(p.CreatedAt) {
				delete(items, id)
			}
		}
		items[p.ID] = *p
		return nil
	})
}

// TakePending removes and returns a login attempt.
func (s *Store) TakePending(_ context.Context, id string) (*model.PendingLogin, error) {
	var p model.PendingLogin
	err := s.pending.update(func(items map[string]model.PendingLogin) error {
		var ok bool
		p, ok = items[id]
		if !ok {
			return store.ErrNotFound
		}
		delete(items, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}
