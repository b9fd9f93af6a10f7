// Package memory provides an in-process storage provider for demo and
// development use. Files live only as long as the process.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jun/drivebot/internal/adapter"
)

const (
	maxDemoContentSize = 20 * 1024 * 1024 // Telegram's bot download limit
	maxDemoTitleLength = 255
	maxDemoItemCount   = 100
)

type file struct {
	meta    adapter.FileMetadata
	content []byte
}

// MemoryAdapter implements adapter.StorageAdapter for one user.
type MemoryAdapter struct {
	mu    sync.RWMutex
	files map[string]*file
	now   func() time.Time
}

// NewMemoryAdapter creates an empty MemoryAdapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{files: make(map[string]*file), now: time.Now}
}

func (m *MemoryAdapter) Upload(_ context.Context, name, mimeType, folderID string, r io.Reader) (*adapter.FileMetadata, error) {
	if len(name) > maxDemoTitleLength {
		return nil, fmt.Errorf("name too long (max %d)", maxDemoTitleLength)
	}
	content, err := io.ReadAll(io.LimitReader(r, maxDemoContentSize+1))
	if err != nil {
		return nil, fmt.Errorf("unable to read content: %w", err)
	}
	if len(content) > maxDemoContentSize {
		return nil, fmt.Errorf("content too large (max %d bytes)", maxDemoContentSize)
	}
	if folderID == "" {
		folderID = "root"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.files) >= maxDemoItemCount {
		return nil, fmt.Errorf("item limit reached (max %d)", maxDemoItemCount)
	}

	f := &file{
		meta: adapter.FileMetadata{
			ID:           uuid.NewString(),
			Name:         name,
			MIMEType:     mimeType,
			ModifiedTime: m.now(),
			Size:         int64(len(content)),
			Parents:      []string{folderID},
		},
		content: content,
	}
	m.files[f.meta.ID] = f
	meta := f.meta
	return &meta, nil
}

func (m *MemoryAdapter) Download(_ context.Context, fileID string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[fileID]
	if !ok || f.meta.MIMEType == adapter.FolderMIMEType {
		return nil, adapter.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(f.content)), nil
}

func (m *MemoryAdapter) DeleteFile(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[fileID]; !ok {
		return adapter.ErrNotFound
	}
	delete(m.files, fileID)
	return nil
}

func (m *MemoryAdapter) EnsureFolder(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.files {
		if f.meta.MIMEType == adapter.FolderMIMEType && f.meta.Name == name {
			return id, nil
		}
	}
	id := uuid.NewString()
	m.files[id] = &file{meta: adapter.FileMetadata{
		ID:           id,
		Name:         name,
		MIMEType:     adapter.FolderMIMEType,
		ModifiedTime: m.now(),
		Parents:      []string{"root"},
	}}
	return id, nil
}

// Provider implements adapter.StorageProvider with one MemoryAdapter per user.
type Provider struct {
	mu       sync.Mutex
	adapters map[string]*MemoryAdapter
}

// NewProvider creates a new in-memory provider.
func NewProvider() *Provider {
	return &Provider{adapters: make(map[string]*MemoryAdapter)}
}

// GetAdapter returns the adapter of userID, creating it on first use.
func (p *Provider) GetAdapter(_ context.Context, userID string) (adapter.StorageAdapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.adapters[userID]
	if !ok {
		a = NewMemoryAdapter()
		p.adapters[userID] = a
	}
	return a, nil
}
