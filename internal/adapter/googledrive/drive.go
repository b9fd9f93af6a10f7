package googledrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jun/drivebot/internal/adapter"
)

const fileFields = "id, name, mimeType, modifiedTime, size, parents"

// DriveAdapter implements adapter.StorageAdapter for Google Drive.
type DriveAdapter struct {
	service *drive.Service
}

// NewDriveAdapter creates a new DriveAdapter.
// client should be an authenticated http.Client with specific user credentials.
func NewDriveAdapter(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*DriveAdapter, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Drive client: %w", err)
	}
	return &DriveAdapter{service: srv}, nil
}

// Upload streams r into a new file inside folderID.
func (d *DriveAdapter) Upload(ctx context.Context, name, mimeType, folderID string, r io.Reader) (*adapter.FileMetadata, error) {
	if folderID == "" {
		folderID = "root"
	}
	f := &drive.File{
		Name:     name,
		MimeType: mimeType,
		Parents:  []string{folderID},
	}

	var mediaOpts []googleapi.MediaOption
	if mimeType != "" {
		mediaOpts = append(mediaOpts, googleapi.ContentType(mimeType))
	}
	res, err := d.service.Files.Create(f).
		Media(r, mediaOpts...).
		SupportsAllDrives(true).
		Fields(fileFields).
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapError("unable to upload file", err)
	}
	return toMetadata(res), nil
}

// Download opens the content of fileID.
func (d *DriveAdapter) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := d.service.Files.Get(fileID).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, mapError("unable to download file", err)
	}
	return resp.Body, nil
}

// DeleteFile deletes a file by its ID.
func (d *DriveAdapter) DeleteFile(ctx context.Context, fileID string) error {
	if err := d.service.Files.Delete(fileID).SupportsAllDrives(true).Context(ctx).Do(); err != nil {
		return mapError("unable to delete file", err)
	}
	return nil
}

// EnsureFolder ensures a root-level folder exists and returns its ID.
func (d *DriveAdapter) EnsureFolder(ctx context.Context, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and 'root' in parents and trashed = false",
		escapeQuery(name), adapter.FolderMIMEType)
	r, err := d.service.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", mapError("unable to search for folder", err)
	}
	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}

	res, err := d.service.Files.Create(&drive.File{
		Name:     name,
		MimeType: adapter.FolderMIMEType,
		Parents:  []string{"root"},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", mapError("unable to create folder", err)
	}
	return res.Id, nil
}

func toMetadata(f *drive.File) *adapter.FileMetadata {
	modTime, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return &adapter.FileMetadata{
		ID:           f.Id,
		Name:         f.Name,
		MIMEType:     f.MimeType,
		ModifiedTime: modTime,
		Size:         f.Size,
		Parents:      f.Parents,
	}
}

// mapError translates Drive API status codes into adapter errors.
func mapError(op string, err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w (%v)", op, adapter.ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w (%v)", op, adapter.ErrUnauthorized, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// escapeQuery quotes a value for use inside a Drive query string literal.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
