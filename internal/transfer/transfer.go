// Package transfer moves files between chats and the user's remote storage
// and keeps the file registry in step with it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/text/unicode/norm"

	"github.com/jun/drivebot/internal/adapter"
	"github.com/jun/drivebot/internal/model"
	"github.com/jun/drivebot/internal/store"
)

// Sessions is the part of the session manager transfers depend on.
type Sessions interface {
	ValidToken(ctx context.Context, userID string) (*oauth2.Token, error)
	Status(ctx context.Context, userID string) (*model.Session, error)
	SetFolderID(ctx context.Context, userID, folderID string) error
}

// Options tune a Service.
type Options struct {
	Logger *slog.Logger

	// FolderName is the root-level folder uploads go to. Empty uploads to
	// the root of the drive.
	FolderName string

	// Timeout bounds one upload, download or delete.
	Timeout time.Duration
}

// Service implements upload, download, list and delete for one bot.
type Service struct {
	provider   adapter.StorageProvider
	files      store.FileRegistry
	sessions   Sessions
	logger     *slog.Logger
	folderName string
	timeout    time.Duration
	now        func() time.Time
}

// NewService creates a Service.
func NewService(provider adapter.StorageProvider, files store.FileRegistry, sessions Sessions, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Service{
		provider:   provider,
		files:      files,
		sessions:   sessions,
		logger:     opts.Logger,
		folderName: opts.FolderName,
		timeout:    opts.Timeout,
		now:        time.Now,
	}
}

// Upload streams r to the user's drive under name and registers the file.
// Nothing is registered unless the provider confirms the upload.
func (s *Service) Upload(ctx context.Context, userID string, r io.Reader, name, mimeType string) (*model.FileRecord, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.ValidToken(ctx, userID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	a, err := s.provider.GetAdapter(ctx, userID)
	if err != nil {
		return nil, providerError(model.ErrUploadFailed, err)
	}
	folderID, err := s.folder(ctx, userID, a)
	if err != nil {
		return nil, providerError(model.ErrUploadFailed, err)
	}

	cr := &countingReader{r: r}
	meta, err := a.Upload(ctx, name, mimeType, folderID, cr)
	if err != nil {
		if errors.Is(err, adapter.ErrNotFound) && folderID != "" {
			// The cached folder is gone; look it up again next time.
			if ferr := s.sessions.SetFolderID(ctx, userID, ""); ferr != nil {
				s.logger.Warn("failed to reset folder", "user_id", userID, "error", ferr)
			}
		}
		return nil, providerError(model.ErrUploadFailed, err)
	}

	rec := &model.FileRecord{
		ID:        uuid.NewString(),
		RemoteID:  meta.ID,
		Name:      name,
		OwnerID:   userID,
		MIMEType:  meta.MIMEType,
		Size:      meta.Size,
		CreatedAt: s.now(),
	}
	if rec.MIMEType == "" {
		rec.MIMEType = mimeType
	}
	if rec.Size == 0 {
		rec.Size = cr.n
	}

	if err := s.files.AddFile(ctx, rec); err != nil {
		if derr := a.DeleteFile(ctx, meta.ID); derr != nil {
			s.logger.Error("failed to remove unregistered upload", "remote_id", meta.ID, "error", derr)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrUploadFailed, err)
	}

	s.logger.Info("file uploaded", "user_id", userID, "file_id", rec.ID, "size", rec.Size)
	return rec, nil
}

// Download resolves ref among the files of userID and opens its content.
// The reader must be closed; the transfer timeout runs until then.
func (s *Service) Download(ctx context.Context, userID, ref string) (*model.FileRecord, io.ReadCloser, error) {
	rec, err := s.resolve(ctx, userID, ref)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.sessions.ValidToken(ctx, userID); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	a, err := s.provider.GetAdapter(ctx, userID)
	if err != nil {
		cancel()
		return nil, nil, providerError(model.ErrDownloadFailed, err)
	}
	rc, err := a.Download(ctx, rec.RemoteID)
	if err != nil {
		cancel()
		return nil, nil, providerError(model.ErrDownloadFailed, err)
	}
	return rec, &cancelReadCloser{ReadCloser: rc, cancel: cancel}, nil
}

// List returns the files of userID in upload order.
func (s *Service) List(ctx context.Context, userID string) ([]model.FileRecord, error) {
	recs, err := s.files.ListFiles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return recs, nil
}

// Delete removes the remote file behind ref and its record. A file already
// gone from the drive is still removed from the registry.
func (s *Service) Delete(ctx context.Context, userID, ref string) (*model.FileRecord, error) {
	rec, err := s.resolve(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.ValidToken(ctx, userID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	a, err := s.provider.GetAdapter(ctx, userID)
	if err != nil {
		return nil, providerError(model.ErrDeleteFailed, err)
	}
	if err := a.DeleteFile(ctx, rec.RemoteID); err != nil && !errors.Is(err, adapter.ErrNotFound) {
		return nil, providerError(model.ErrDeleteFailed, err)
	}
	if err := s.files.DeleteFile(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", model.ErrDeleteFailed, err)
	}

	s.logger.Info("file deleted", "user_id", userID, "file_id", rec.ID)
	return rec, nil
}

// Forget drops every record of userID without touching the drive.
func (s *Service) Forget(ctx context.Context, userID string) (int, error) {
	n, err := s.files.DeleteFilesByOwner(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to forget files: %w", err)
	}
	return n, nil
}

// resolve maps ref, a file id or a 1-based position in the user's list, to
// a record owned by userID.
func (s *Service) resolve(ctx context.Context, userID, ref string) (*model.FileRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, model.ErrNotFound
	}

	if n, err := strconv.Atoi(ref); err == nil {
		recs, err := s.List(ctx, userID)
		if err != nil {
			return nil, err
		}
		if n < 1 || n > len(recs) {
			return nil, fmt.Errorf("%w: no file number %d", model.ErrNotFound, n)
		}
		return &recs[n-1], nil
	}

	rec, err := s.files.GetFile(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	if rec.OwnerID != userID {
		return nil, model.ErrForbidden
	}
	return rec, nil
}

// folder returns the upload folder of userID, creating and caching it on
// first use.
func (s *Service) folder(ctx context.Context, userID string, a adapter.StorageAdapter) (string, error) {
	if s.folderName == "" {
		return "", nil
	}
	sess, err := s.sessions.Status(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess.FolderID != "" {
		return sess.FolderID, nil
	}

	id, err := a.EnsureFolder(ctx, s.folderName)
	if err != nil {
		return "", err
	}
	if err := s.sessions.SetFolderID(ctx, userID, id); err != nil {
		s.logger.Warn("failed to cache folder", "user_id", userID, "error", err)
	}
	return id, nil
}

// providerError wraps a storage error in kind, or in ErrReauthRequired when
// the provider rejected the credentials. Session errors pass through.
func providerError(kind, err error) error {
	if errors.Is(err, model.ErrReauthRequired) || errors.Is(err, model.ErrNotLoggedIn) {
		return err
	}
	if errors.Is(err, adapter.ErrUnauthorized) {
		return fmt.Errorf("%w: %v", model.ErrReauthRequired, err)
	}
	return fmt.Errorf("%w: %v", kind, err)
}

// cleanName trims, NFC-normalizes and strips control characters from a
// display name.
func cleanName(name string) (string, error) {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, name)
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return "", model.ErrInvalidName
	}
	return name, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
