package model

import (
	"time"

	"golang.org/x/oauth2"
)

// Session is the persisted OAuth2 credential set of one Telegram user.
type Session struct {
	UserID       string    `json:"user_id" dynamodbav:"user_id"`
	AccessToken  string    `json:"access_token" dynamodbav:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty" dynamodbav:"refresh_token"` // encrypted at rest when KMS is configured
	TokenType    string    `json:"token_type,omitempty" dynamodbav:"token_type"`
	Expiry       time.Time `json:"expiry" dynamodbav:"expiry"`
	Scope        string    `json:"scope,omitempty" dynamodbav:"scope"`
	AccountEmail string    `json:"account_email,omitempty" dynamodbav:"account_email"`
	FolderID     string    `json:"folder_id,omitempty" dynamodbav:"folder_id"` // Drive folder uploads go to
	CreatedAt    time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// Token converts the session into an oauth2.Token. The refresh token is
// copied as stored; callers decrypt it first.
func (s *Session) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
		Expiry:       s.Expiry,
	}
}

// FileRecord maps an internal file id to the remote Drive file.
type FileRecord struct {
	ID        string    `json:"id" dynamodbav:"id"`
	RemoteID  string    `json:"remote_id" dynamodbav:"remote_id"`
	Name      string    `json:"name" dynamodbav:"name"`
	OwnerID   string    `json:"owner_id" dynamodbav:"owner_id"`
	MIMEType  string    `json:"mime_type,omitempty" dynamodbav:"mime_type"`
	Size      int64     `json:"size" dynamodbav:"size"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
	Seq       int64     `json:"seq" dynamodbav:"seq"` // tie-breaker for records sharing a timestamp
}

// PendingLogin is one issued authorization URL waiting for its redirect.
type PendingLogin struct {
	ID        string    `json:"id" dynamodbav:"id"`
	UserID    string    `json:"user_id" dynamodbav:"user_id"`
	ChatID    int64     `json:"chat_id" dynamodbav:"chat_id"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
	ExpiresAt int64     `json:"expires_at" dynamodbav:"expires_at"` // TTL (Unix timestamp)
}

// Expired reports whether the pending login can no longer be completed.
func (p *PendingLogin) Expired(now time.Time) bool {
	return p.ExpiresAt <= now.Unix()
}
