package sqlite

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/drivebot/internal/model"
	"github.com/jun/drivebot/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "drivebot.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen_CorruptFileStartsEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "drivebot.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("garbage!"), 1024), 0o600))

	s, err := Open(path, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1, "corrupt database should be kept aside")

	recs, err := s.ListFiles(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, recs)
	require.NoError(t, s.PutSession(ctx, &model.Session{UserID: "1", AccessToken: "a"}))
}

func TestSessionUpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	expiry := time.Date(2031, 3, 4, 5, 6, 7, 0, time.UTC)
	sess := &model.Session{UserID: "5", AccessToken: "a1", RefreshToken: "r1", Expiry: expiry}
	require.NoError(t, s.PutSession(ctx, sess))

	sess.AccessToken = "a2"
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.GetSession(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, "a2", got.AccessToken)
	assert.Equal(t, "r1", got.RefreshToken)
	assert.True(t, got.Expiry.Equal(expiry))

	require.NoError(t, s.DeleteSession(ctx, "5"))
	assert.ErrorIs(t, s.DeleteSession(ctx, "5"), store.ErrNotFound)
	_, err = s.GetSession(ctx, "5")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFilesInInsertOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.AddFile(ctx, &model.FileRecord{ID: id, RemoteID: "r-" + id, Name: id, OwnerID: "1", CreatedAt: ts}))
	}

	recs, err := s.ListFiles(ctx, "1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{recs[0].ID, recs[1].ID, recs[2].ID})

	assert.Error(t, s.AddFile(ctx, &model.FileRecord{ID: "d", RemoteID: "r-a", OwnerID: "1"}), "remote id must be unique")

	require.NoError(t, s.DeleteFile(ctx, "a"))
	assert.ErrorIs(t, s.DeleteFile(ctx, "a"), store.ErrNotFound)

	n, err := s.DeleteFilesByOwner(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPendingSingleUse(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now()
	require.NoError(t, s.PutPending(ctx, &model.PendingLogin{ID: "p", UserID: "3", ChatID: 3, CreatedAt: now, ExpiresAt: now.Add(time.Minute).Unix()}))

	p, err := s.TakePending(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "3", p.UserID)

	_, err = s.TakePending(ctx, "p")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
