package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	googleoauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/jun/drivebot/internal/crypto"
	"github.com/jun/drivebot/internal/model"
	"github.com/jun/drivebot/internal/store"
)

// DefaultPendingTTL is how long an issued authorization URL stays usable.
const DefaultPendingTTL = 10 * time.Minute

// demoEmail marks sessions created without a provider round trip.
const demoEmail = "demo@localhost"

// Scopes requested from Google. drive.file limits access to files the bot
// created itself.
var Scopes = []string{
	"https://www.googleapis.com/auth/drive.file",
	"https://www.googleapis.com/auth/userinfo.email",
}

// NewOAuthConfig builds the Google OAuth2 client configuration.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}

// Options tune a Service. Zero values select defaults.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client  // used for token exchange, refresh and userinfo
	Timeout    time.Duration // bounds each provider round trip
	PendingTTL time.Duration

	// UserInfoEndpoint overrides the Google API base URL for the account
	// email lookup.
	UserInfoEndpoint string
}

// Service owns the OAuth2 session of every user: issuing login URLs,
// exchanging codes, refreshing tokens and logging out.
type Service struct {
	oauthConfig *oauth2.Config
	sessions    store.SessionStore
	pending     store.PendingStore
	encryptor   crypto.Encryptor
	states      *StateSigner

	logger       *slog.Logger
	httpClient   *http.Client
	timeout      time.Duration
	pendingTTL   time.Duration
	userInfoBase string
	now          func() time.Time

	// serializes read-modify-write of a single user's session
	locks sync.Map
}

// NewService creates a Service.
func NewService(oauthConfig *oauth2.Config, sessions store.SessionStore, pending store.PendingStore,
	encryptor crypto.Encryptor, stateSecret []byte, opts Options) *Service {
	if encryptor == nil {
		encryptor = crypto.Plaintext{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	return &Service{
		oauthConfig:  oauthConfig,
		sessions:     sessions,
		pending:      pending,
		encryptor:    encryptor,
		states:       NewStateSigner(stateSecret),
		logger:       opts.Logger,
		httpClient:   opts.HTTPClient,
		timeout:      opts.Timeout,
		pendingTTL:   opts.PendingTTL,
		userInfoBase: opts.UserInfoEndpoint,
		now:          time.Now,
	}
}

func (s *Service) lock(userID string) func() {
	v, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// providerContext bounds a provider call and routes it through s.httpClient.
func (s *Service) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient), cancel
}

// loggedIn reports whether sess can still produce an access token.
func (s *Service) loggedIn(sess *model.Session) bool {
	if sess.RefreshToken != "" {
		return true
	}
	return sess.AccessToken != "" && sess.Expiry.After(s.now())
}

// BeginLogin records a pending login for userID and returns the
// authorization URL to send them. chatID is where the result is reported.
func (s *Service) BeginLogin(ctx context.Context, userID string, chatID int64) (string, error) {
	sess, err := s.sessions.GetSession(ctx, userID)
	switch {
	case err == nil && s.loggedIn(sess):
		return "", model.ErrAlreadyLoggedIn
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("failed to load session: %w", err)
	}

	now := s.now()
	p := &model.PendingLogin{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChatID:    chatID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.pendingTTL).Unix(),
	}
	state, err := s.states.Sign(p)
	if err != nil {
		return "", err
	}
	if err := s.pending.PutPending(ctx, p); err != nil {
		return "", fmt.Errorf("failed to save pending login: %w", err)
	}

	s.logger.Debug("login started", "user_id", userID, "pending_id", p.ID)
	return s.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// CompleteLogin exchanges code for tokens and stores the session of userID,
// replacing any previous one. The drive folder of a previous session is kept.
func (s *Service) CompleteLogin(ctx context.Context, code, userID string) (*model.Session, error) {
	pctx, cancel := s.providerContext(ctx)
	defer cancel()

	tok, err := s.oauthConfig.Exchange(pctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrExchangeFailed, err)
	}

	email, err := s.lookupEmail(pctx, tok)
	if err != nil {
		s.logger.Warn("account email lookup failed", "user_id", userID, "error", err)
	}

	unlock := s.lock(userID)
	defer unlock()

	now := s.now()
	sess := &model.Session{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		AccountEmail: email,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		sess.Scope = scope
	}

	refresh := tok.RefreshToken
	if existing, err := s.sessions.GetSession(ctx, userID); err == nil {
		sess.FolderID = existing.FolderID
		if refresh == "" {
			// Google omits the refresh token on repeated consent.
			sess.RefreshToken = existing.RefreshToken
		}
	}
	if refresh != "" {
		encrypted, err := s.encryptor.Encrypt(ctx, refresh)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		sess.RefreshToken = encrypted
	}

	if err := s.sessions.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	s.logger.Info("login completed", "user_id", userID, "account", email)
	return sess, nil
}

// HandleCallback completes the login identified by an OAuth2 redirect. The
// pending login is consumed whether or not the exchange succeeds and is
// returned whenever the state was valid, so the caller can report back.
func (s *Service) HandleCallback(ctx context.Context, state, code string) (*model.Session, *model.PendingLogin, error) {
	p, err := s.takePending(ctx, state)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.CompleteLogin(ctx, code, p.UserID)
	return sess, p, err
}

// CancelLogin consumes the pending login behind state without exchanging a
// code, for redirects where the user denied access.
func (s *Service) CancelLogin(ctx context.Context, state string) (*model.PendingLogin, error) {
	return s.takePending(ctx, state)
}

// takePending verifies state and removes its pending login. Every mismatch
// wraps ErrUnknownState.
func (s *Service) takePending(ctx context.Context, state string) (*model.PendingLogin, error) {
	id, userID, err := s.states.Verify(state)
	if err != nil {
		return nil, err
	}

	p, err := s.pending.TakePending(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: pending login %s not found", model.ErrUnknownState, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending login: %w", err)
	}
	if p.UserID != userID || p.Expired(s.now()) {
		return nil, fmt.Errorf("%w: pending login %s expired", model.ErrUnknownState, id)
	}
	return p, nil
}

// DemoLogin stores a session that needs no provider, for the in-memory
// drive provider.
func (s *Service) DemoLogin(ctx context.Context, userID string) (*model.Session, error) {
	unlock := s.lock(userID)
	defer unlock()

	if sess, err := s.sessions.GetSession(ctx, userID); err == nil && s.loggedIn(sess) {
		return nil, model.ErrAlreadyLoggedIn
	}
	now := s.now()
	sess := &model.Session{
		UserID:       userID,
		AccessToken:  "demo-" + uuid.NewString(),
		TokenType:    "Bearer",
		Expiry:       now.AddDate(100, 0, 0),
		AccountEmail: demoEmail,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.sessions.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return sess, nil
}

// Logout deletes the session of userID.
func (s *Service) Logout(ctx context.Context, userID string) error {
	unlock := s.lock(userID)
	defer unlock()

	if err := s.sessions.DeleteSession(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ErrNotLoggedIn
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Info("logged out", "user_id", userID)
	return nil
}

// Status returns the session of userID or ErrNotLoggedIn.
func (s *Service) Status(ctx context.Context, userID string) (*model.Session, error) {
	sess, err := s.sessions.GetSession(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrNotLoggedIn
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// SetFolderID remembers the drive folder uploads of userID go to.
func (s *Service) SetFolderID(ctx context.Context, userID, folderID string) error {
	unlock := s.lock(userID)
	defer unlock()

	sess, err := s.sessions.GetSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	sess.FolderID = folderID
	sess.UpdatedAt = s.now()
	if err := s.sessions.PutSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// ValidToken returns an unexpired access token for userID, refreshing and
// persisting it when needed. It fails with ErrReauthRequired when there is
// no session or the refresh fails. A refresh rejected by the provider also
// drops the session so the user can log in again.
func (s *Service) ValidToken(ctx context.Context, userID string) (*oauth2.Token, error) {
	tok, err := s.storedToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	if tok.Valid() {
		return tok, nil
	}

	unlock := s.lock(userID)
	defer unlock()

	// Another caller may have refreshed while we waited.
	tok, err = s.storedToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	if tok.Valid() {
		return tok, nil
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token expired and no refresh token", model.ErrReauthRequired)
	}

	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	fresh, err := s.oauthConfig.TokenSource(pctx, tok).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			s.logger.Warn("refresh rejected, dropping session", "user_id", userID, "error", err)
			if derr := s.sessions.DeleteSession(ctx, userID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
				s.logger.Error("failed to drop session", "user_id", userID, "error", derr)
			}
		}
		return nil, fmt.Errorf("%w: %v", model.ErrReauthRequired, err)
	}

	sess, err := s.sessions.GetSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrReauthRequired, err)
	}
	sess.AccessToken = fresh.AccessToken
	sess.Expiry = fresh.Expiry
	if fresh.TokenType != "" {
		sess.TokenType = fresh.TokenType
	}
	if fresh.RefreshToken != "" && fresh.RefreshToken != tok.RefreshToken {
		encrypted, err := s.encryptor.Encrypt(ctx, fresh.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		sess.RefreshToken = encrypted
	}
	sess.UpdatedAt = s.now()
	if err := s.sessions.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save refreshed session: %w", err)
	}

	s.logger.Debug("token refreshed", "user_id", userID, "expiry", fresh.Expiry)
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	return fresh, nil
}

// TokenSource returns a token source for userID that refreshes through
// ValidToken. It fails fast if no valid token can be produced now.
func (s *Service) TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	tok, err := s.ValidToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	return oauth2.ReuseTokenSource(tok, &userTokenSource{ctx: ctx, svc: s, userID: userID}), nil
}

type userTokenSource struct {
	ctx    context.Context
	svc    *Service
	userID string
}

func (u *userTokenSource) Token() (*oauth2.Token, error) {
	return u.svc.ValidToken(u.ctx, u.userID)
}

// storedToken loads the session of userID as an oauth2.Token with a
// decrypted refresh token.
func (s *Service) storedToken(ctx context.Context, userID string) (*oauth2.Token, error) {
	sess, err := s.sessions.GetSession(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no session", model.ErrReauthRequired)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	tok := sess.Token()
	if sess.RefreshToken != "" {
		refresh, err := s.encryptor.Decrypt(ctx, sess.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrReauthRequired, err)
		}
		tok.RefreshToken = refresh
	}
	return tok, nil
}

func (s *Service) lookupEmail(ctx context.Context, tok *oauth2.Token) (string, error) {
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))),
	}
	if s.userInfoBase != "" {
		opts = append(opts, option.WithEndpoint(s.userInfoBase))
	}
	svc, err := googleoauth2.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to create userinfo client: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	return info.Email, nil
}
