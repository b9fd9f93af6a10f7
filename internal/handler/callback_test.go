package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/drivebot/internal/model"
)

// fakeCallbacks accepts state "good" with any code except "bad".
type fakeCallbacks struct {
	mu        sync.Mutex
	cancelled []string
	codes     []string
}

var pending = &model.PendingLogin{ID: "p1", UserID: "100", ChatID: 555}

func (f *fakeCallbacks) HandleCallback(_ context.Context, state, code string) (*model.Session, *model.PendingLogin, error) {
	f.mu.Lock()
	f.codes = append(f.codes, code)
	f.mu.Unlock()
	switch {
	case state != "good":
		return nil, nil, fmt.Errorf("%w: %s", model.ErrUnknownState, state)
	case code == "bad":
		return nil, pending, fmt.Errorf("%w: invalid_grant", model.ErrExchangeFailed)
	case code == "broken":
		return nil, pending, fmt.Errorf("disk full")
	}
	return &model.Session{UserID: "100", AccountEmail: "alice@example.com"}, pending, nil
}

func (f *fakeCallbacks) CancelLogin(_ context.Context, state string) (*model.PendingLogin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state != "good" {
		return nil, model.ErrUnknownState
	}
	f.cancelled = append(f.cancelled, state)
	return pending, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (n *fakeNotifier) Send(_ context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = map[int64][]string{}
	}
	n.sent[chatID] = append(n.sent[chatID], text)
	return nil
}

func newTestRouter(t *testing.T) (http.Handler, *fakeCallbacks, *fakeNotifier) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cb := &fakeCallbacks{}
	n := &fakeNotifier{}
	return NewRouter(NewCallbackHandler(cb, n, logger), logger, 5*time.Second), cb, n
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestCallback_Success(t *testing.T) {
	h, _, n := newTestRouter(t)

	rec := get(t, h, "/oauth2callback?state=good&code=abc")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<h1>Google Drive connected</h1>")
	assert.Contains(t, rec.Body.String(), "alice@example.com")
	assert.Equal(t, []string{"Logged in as alice@example.com. Send me a file to upload it."}, n.sent[555])
}

func TestCallback_Failures(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		status   int
		reason   string
		notified bool
	}{
		{"unknown state", "state=forged&code=abc", http.StatusBadRequest, reasonUnknownState, false},
		{"missing state", "code=abc", http.StatusBadRequest, reasonUnknownState, false},
		{"missing code", "state=good", http.StatusBadRequest, reasonUnknownState, false},
		{"exchange failed", "state=good&code=bad", http.StatusBadGateway, reasonExchange, true},
		{"internal error", "state=good&code=broken", http.StatusInternalServerError, reasonInternal, true},
		{"access denied", "state=good&error=access_denied", http.StatusBadRequest, reasonDenied, true},
		{"access denied unknown state", "state=x&error=access_denied", http.StatusBadRequest, reasonDenied, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, n := newTestRouter(t)

			rec := get(t, h, "/oauth2callback?"+tt.query)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.reason)
			if tt.notified {
				assert.Equal(t, []string{chatLoginFailed}, n.sent[555])
			} else {
				assert.Empty(t, n.sent)
			}
		})
	}
}

func TestCallback_DeniedDoesNotExchange(t *testing.T) {
	h, cb, _ := newTestRouter(t)

	get(t, h, "/oauth2callback?state=good&error=access_denied")
	assert.Empty(t, cb.codes)
	assert.Equal(t, []string{"good"}, cb.cancelled)
}

func TestRouter_HealthAndMethods(t *testing.T) {
	h, _, _ := newTestRouter(t)

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/nope").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/oauth2callback?state=good&code=abc", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleAPIGateway(t *testing.T) {
	n := &fakeNotifier{}
	h := NewCallbackHandler(&fakeCallbacks{}, n, slog.New(slog.NewTextHandler(io.Discard, nil)))

	resp, err := h.HandleAPIGateway(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		QueryStringParameters: map[string]string{"state": "good", "code": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Headers["Content-Type"])
	assert.Len(t, n.sent[555], 1)

	resp, err = h.HandleAPIGateway(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:                      http.MethodGet,
		MultiValueQueryStringParameters: map[string][]string{"state": {"forged"}, "code": {"abc"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = h.HandleAPIGateway(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodPost})
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRenderPage_EscapesInput(t *testing.T) {
	page := renderPage("<title>", "# Hi\n\n"+escapeMarkdown("<script>alert(1)</script> *bold*"))

	assert.True(t, strings.HasPrefix(page, "<!DOCTYPE html>"))
	assert.Contains(t, page, "<title>&lt;title&gt;</title>")
	assert.Contains(t, page, "<h1>Hi</h1>")
	assert.NotContains(t, page, "<script>")
	assert.NotContains(t, page, "<em>")
}
