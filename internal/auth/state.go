package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jun/drivebot/internal/model"
)

const stateIssuer = "drivebot"

// StateSigner turns pending logins into opaque, tamper-proof OAuth2 state
// values. The token carries the pending login id (jti) and the user (sub).
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

// NewStateSigner creates a StateSigner using an HMAC secret.
func NewStateSigner(secret []byte) *StateSigner {
	return &StateSigner{secret: secret, now: time.Now}
}

// Sign returns the state value for p.
func (s *StateSigner) Sign(p *model.PendingLogin) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        p.ID,
		Subject:   p.UserID,
		Issuer:    stateIssuer,
		IssuedAt:  jwt.NewNumericDate(p.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(time.Unix(p.ExpiresAt, 0)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry and returns the pending login
// id and user id. Every failure wraps model.ErrUnknownState.
func (s *StateSigner) Verify(state string) (id, userID string, err error) {
	if state == "" {
		return "", "", fmt.Errorf("%w: empty state", model.ErrUnknownState)
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(state, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", model.ErrUnknownState, err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return "", "", fmt.Errorf("%w: %v", model.ErrUnknownState, errors.New("missing claims"))
	}
	return claims.ID, claims.Subject, nil
}
