package adapter

import (
	"context"
)

// StorageProvider defines how to get a StorageAdapter for a specific user.
type StorageProvider interface {
	// GetAdapter returns a StorageAdapter for the given user ID. Credential
	// errors from the session manager are returned unchanged.
	GetAdapter(ctx context.Context, userID string) (StorageAdapter, error)
}
