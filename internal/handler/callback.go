package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/drivebot/internal/model"
)

// Callbacks completes logins from OAuth2 redirects.
type Callbacks interface {
	HandleCallback(ctx context.Context, state, code string) (*model.Session, *model.PendingLogin, error)
	CancelLogin(ctx context.Context, state string) (*model.PendingLogin, error)
}

// Notifier tells a chat how its login ended.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

const (
	pageSuccess = "# Google Drive connected\n\nLogged in as **%s**. You can close this window and go back to Telegram."
	pageFailed  = "# Login failed\n\n%s\n\nSend /login to the bot to try again."

	reasonUnknownState = "This login link is invalid or has expired."
	reasonDenied       = "Access to Google Drive was not granted."
	reasonExchange     = "Google did not accept the authorization."
	reasonInternal     = "Something went wrong on our side."

	chatLoggedIn    = "Logged in as %s. Send me a file to upload it."
	chatLoginFailed = "Login failed. Use /login to try again."
)

// CallbackHandler serves the OAuth2 redirect endpoint.
type CallbackHandler struct {
	auth     Callbacks
	notifier Notifier
	logger   *slog.Logger
}

// NewCallbackHandler creates a CallbackHandler. notifier may be nil.
func NewCallbackHandler(auth Callbacks, notifier Notifier, logger *slog.Logger) *CallbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{auth: auth, notifier: notifier, logger: logger}
}

// complete handles the redirect query and returns the status and HTML page.
func (h *CallbackHandler) complete(ctx context.Context, q url.Values) (int, string) {
	state, code := q.Get("state"), q.Get("code")

	if providerErr := q.Get("error"); providerErr != "" {
		h.logger.Info("authorization denied", "error", providerErr)
		if p, err := h.auth.CancelLogin(ctx, state); err == nil {
			h.notify(ctx, p.ChatID, chatLoginFailed)
		} else {
			h.logger.Debug("denied callback had no pending login", "error", err)
		}
		return http.StatusBadRequest, failurePage(reasonDenied)
	}
	if state == "" || code == "" {
		return http.StatusBadRequest, failurePage(reasonUnknownState)
	}

	sess, p, err := h.auth.HandleCallback(ctx, state, code)
	switch {
	case err == nil:
		h.notify(ctx, p.ChatID, fmt.Sprintf(chatLoggedIn, accountName(sess)))
		return http.StatusOK, renderPage("Logged in", fmt.Sprintf(pageSuccess, escapeMarkdown(accountName(sess))))
	case errors.Is(err, model.ErrUnknownState):
		h.logger.Info("callback with unknown state", "error", err)
		return http.StatusBadRequest, failurePage(reasonUnknownState)
	case errors.Is(err, model.ErrExchangeFailed):
		h.logger.Warn("code exchange failed", "error", err)
		if p != nil {
			h.notify(ctx, p.ChatID, chatLoginFailed)
		}
		return http.StatusBadGateway, failurePage(reasonExchange)
	default:
		h.logger.Error("callback failed", "error", err)
		if p != nil {
			h.notify(ctx, p.ChatID, chatLoginFailed)
		}
		return http.StatusInternalServerError, failurePage(reasonInternal)
	}
}

func (h *CallbackHandler) notify(ctx context.Context, chatID int64, text string) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Send(ctx, chatID, text); err != nil {
		h.logger.Error("failed to notify chat", "chat_id", chatID, "error", err)
	}
}

// ServeHTTP handles GET /oauth2callback.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, page := h.complete(r.Context(), r.URL.Query())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(page))
}

// HandleAPIGateway handles the redirect when deployed behind API Gateway.
func (h *CallbackHandler) HandleAPIGateway(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodGet {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusMethodNotAllowed, Body: "Method not allowed"}, nil
	}

	q := url.Values{}
	for k, vs := range req.MultiValueQueryStringParameters {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	for k, v := range req.QueryStringParameters {
		if !q.Has(k) {
			q.Set(k, v)
		}
	}

	status, page := h.complete(ctx, q)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":  "text/html; charset=utf-8",
			"Cache-Control": "no-store",
		},
		Body: page,
	}, nil
}

func failurePage(reason string) string {
	return renderPage("Login failed", fmt.Sprintf(pageFailed, reason))
}

func accountName(s *model.Session) string {
	if s != nil && s.AccountEmail != "" {
		return s.AccountEmail
	}
	return "your Google account"
}
