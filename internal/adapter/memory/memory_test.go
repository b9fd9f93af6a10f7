package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/jun/drivebot/internal/adapter"
)

func TestMemoryAdapter_UploadAndDownload(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	meta, err := m.Upload(ctx, "report.pdf", "application/pdf", "", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if meta.Name != "report.pdf" {
		t.Errorf("Expected name 'report.pdf', got '%s'", meta.Name)
	}
	if meta.Size != 5 {
		t.Errorf("Expected size 5, got %d", meta.Size)
	}
	if len(meta.Parents) != 1 || meta.Parents[0] != "root" {
		t.Errorf("Expected parent 'root', got %v", meta.Parents)
	}

	rc, err := m.Download(ctx, meta.ID)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("Expected content 'hello', got '%s'", data)
	}
}

func TestMemoryAdapter_Download_NotFound(t *testing.T) {
	m := NewMemoryAdapter()

	_, err := m.Download(context.Background(), "nonexistent-id")
	if !errors.Is(err, adapter.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryAdapter_DeleteFile(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	meta, _ := m.Upload(ctx, "a.txt", "text/plain", "", strings.NewReader("a"))
	if err := m.DeleteFile(ctx, meta.ID); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	if err := m.DeleteFile(ctx, meta.ID); !errors.Is(err, adapter.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryAdapter_EnsureFolder(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	id, err := m.EnsureFolder(ctx, "Telegram Uploads")
	if err != nil {
		t.Fatalf("EnsureFolder failed: %v", err)
	}
	again, _ := m.EnsureFolder(ctx, "Telegram Uploads")
	if again != id {
		t.Errorf("Expected same folder id, got %s and %s", id, again)
	}
	if _, err := m.Download(ctx, id); !errors.Is(err, adapter.ErrNotFound) {
		t.Errorf("Expected folders not to be downloadable, got %v", err)
	}
}

func TestProvider_IsolatesUsers(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	a, _ := p.GetAdapter(ctx, "alice")
	b, _ := p.GetAdapter(ctx, "bob")

	meta, _ := a.Upload(ctx, "a.txt", "text/plain", "", strings.NewReader("a"))
	if _, err := b.Download(ctx, meta.ID); !errors.Is(err, adapter.ErrNotFound) {
		t.Errorf("Expected bob not to see alice's file, got %v", err)
	}

	again, _ := p.GetAdapter(ctx, "alice")
	if _, err := again.Download(ctx, meta.ID); err != nil {
		t.Errorf("Expected alice's adapter to persist, got %v", err)
	}
}
