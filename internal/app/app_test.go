package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/drivebot/internal/bot"
	"github.com/jun/drivebot/internal/config"
)

type fakeTelegram struct {
	updates chan bot.Update

	mu   sync.Mutex
	sent []string
	docs map[string][]byte
}

func newFakeTelegram() *fakeTelegram {
	return &fakeTelegram{updates: make(chan bot.Update, 16), docs: map[string][]byte{}}
}

func (f *fakeTelegram) Updates(context.Context) <-chan bot.Update { return f.updates }

func (f *fakeTelegram) Send(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTelegram) SendDocument(_ context.Context, _ int64, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[name] = data
	return nil
}

func (f *fakeTelegram) OpenFile(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("hello drive")), nil
}

func (f *fakeTelegram) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newTestApp(t *testing.T) (*App, *fakeTelegram) {
	t.Helper()
	cfg := config.Default()
	cfg.TelegramToken = "123:abc"
	cfg.DataDir = t.TempDir()
	cfg.Drive.Provider = config.ProviderMemory
	cfg.StateSecret = "test-secret"
	cfg.Port = freePort(t)
	require.NoError(t, cfg.Validate())

	tg := newFakeTelegram()
	a, err := New(context.Background(), cfg, NewLogger(io.Discard, "error", "text"), WithTelegram(tg))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, tg
}

func TestNew_Router(t *testing.T) {
	a, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, config.CallbackPath+"?state=bogus&code=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRequest(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	resp, err := a.HandleRequest(ctx, events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/elsewhere"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = a.HandleRequest(ctx, events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  "/api" + config.CallbackPath,
		QueryStringParameters: map[string]string{"state": "bogus", "code": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRun_DemoRoundTrip(t *testing.T) {
	a, tg := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	doc := &bot.Attachment{FileID: "f1", FileName: "notes.txt", MIMEType: "text/plain", Size: 11}
	tg.updates <- bot.Update{ID: 1, UserID: 7, ChatID: 7, Text: "/login"}
	tg.updates <- bot.Update{ID: 2, UserID: 7, ChatID: 7, Caption: "notes.txt", Attachment: doc}
	tg.updates <- bot.Update{ID: 3, UserID: 7, ChatID: 7, Text: "/get 1"}

	require.Eventually(t, func() bool { return len(tg.messages()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		tg.mu.Lock()
		defer tg.mu.Unlock()
		return tg.docs["notes.txt"] != nil
	}, 5*time.Second, 10*time.Millisecond)

	msgs := tg.messages()
	assert.Equal(t, "Logged in as demo@localhost.", msgs[0])
	assert.Equal(t, "File 'notes.txt' uploaded to Google Drive.", msgs[1])
	tg.mu.Lock()
	assert.Equal(t, "hello drive", string(tg.docs["notes.txt"]))
	tg.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "auto")

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "v", entry["k"])

	buf.Reset()
	NewLogger(&buf, "debug", "text").Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
