package googledrive

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/jun/drivebot/internal/adapter"
)

// TokenSourcer hands out refreshing token sources per user.
type TokenSourcer interface {
	TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error)
}

// Provider implements adapter.StorageProvider for Google Drive.
type Provider struct {
	tokens TokenSourcer
	base   *http.Client
	opts   []option.ClientOption
}

// NewProvider creates a new Google Drive provider. base carries the
// transport and timeout of Drive requests; opts are passed to every
// drive.Service.
func NewProvider(tokens TokenSourcer, base *http.Client, opts ...option.ClientOption) *Provider {
	if base == nil {
		base = http.DefaultClient
	}
	return &Provider{tokens: tokens, base: base, opts: opts}
}

// GetAdapter returns a DriveAdapter for the given user ID.
func (p *Provider) GetAdapter(ctx context.Context, userID string) (adapter.StorageAdapter, error) {
	ts, err := p.tokens.TokenSource(ctx, userID)
	if err != nil {
		return nil, err
	}

	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, p.base), ts)
	client.Timeout = p.base.Timeout

	storage, err := NewDriveAdapter(ctx, client, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive adapter: %w", err)
	}
	return storage, nil
}
