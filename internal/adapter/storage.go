package adapter

import (
	"context"
	"io"
	"time"
)

// FolderMIMEType is the Drive MIME type of folders.
const FolderMIMEType = "application/vnd.google-apps.folder"

// FileMetadata represents metadata about a file stored in the cloud storage.
type FileMetadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MIMEType     string    `json:"mimeType"`
	ModifiedTime time.Time `json:"modifiedTime"`
	Size         int64     `json:"size"`
	Parents      []string  `json:"parents,omitempty"`
}

// StorageAdapter is one user's handle onto the remote storage provider.
type StorageAdapter interface {
	// Upload streams r into a new file inside folderID ("" means the root).
	Upload(ctx context.Context, name, mimeType, folderID string, r io.Reader) (*FileMetadata, error)

	// Download opens the content of fileID. The caller closes the reader.
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)

	// DeleteFile deletes a file by its ID. It returns ErrNotFound if the
	// file is already gone.
	DeleteFile(ctx context.Context, fileID string) error

	// EnsureFolder returns the ID of the root-level folder called name,
	// creating it if needed.
	EnsureFolder(ctx context.Context, name string) (string, error)
}
