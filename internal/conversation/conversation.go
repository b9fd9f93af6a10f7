// Package conversation tracks attachments waiting for the user to name them.
package conversation

import (
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Minute

// PendingUpload is an attachment received without a caption.
type PendingUpload struct {
	ChatID       int64
	FileID       string // Telegram file id
	OriginalName string
	MIMEType     string
	Size         int64
	ExpiresAt    time.Time
}

// Tracker holds at most one PendingUpload per user. Entries expire after
// the TTL; a later attachment replaces an earlier one.
type Tracker struct {
	mu          sync.Mutex
	pending     map[string]*PendingUpload
	ttlDuration time.Duration
	now         func() time.Time
}

// NewTracker creates a Tracker with the given TTL (DefaultTTL if zero).
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		pending:     make(map[string]*PendingUpload),
		ttlDuration: ttl,
		now:         time.Now,
	}
}

// Put records p for userID and sets its expiry.
func (t *Tracker) Put(userID string, p PendingUpload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, existing := range t.pending {
		if !existing.ExpiresAt.After(now) {
			delete(t.pending, id)
		}
	}
	p.ExpiresAt = now.Add(t.ttlDuration)
	t.pending[userID] = &p
}

// Take removes and returns the pending upload of userID. Expired entries
// are dropped and reported as absent.
func (t *Tracker) Take(userID string) (*PendingUpload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[userID]
	if !ok {
		return nil, false
	}
	delete(t.pending, userID)
	if !p.ExpiresAt.After(t.now()) {
		return nil, false
	}
	return p, true
}

// Cancel drops the pending upload of userID and reports whether one was
// waiting.
func (t *Tracker) Cancel(userID string) bool {
	_, ok := t.Take(userID)
	return ok
}
