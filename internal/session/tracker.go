// Package session tracks which conversation is "open" for appends, per user.
// The state is process-local and non-durable: it only exists so a freshly
// recomputed conversation list can keep the active conversation selected.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Session points at the conversation currently receiving new appends.
// StartRank is 0 until the session's first entry has been stored.
type Session struct {
	ID        string
	StartRank int
}

// Tracker holds the per-user current session. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	current map[string]Session
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{current: make(map[string]Session)}
}

// StartNew begins a fresh session for the user with an unset anchor rank.
// Called on an explicit "new conversation" action, or lazily at send time
// when no session is active.
func (t *Tracker) StartNew(userID string) Session {
	s := Session{ID: newSessionID()}
	t.mu.Lock()
	t.current[userID] = s
	t.mu.Unlock()
	return s
}

// Attach reattaches the user to an existing conversation, e.g. after
// selecting one from history. The conversation's start rank is reused as the
// session anchor; storage is not touched.
func (t *Tracker) Attach(userID, sessionID string, startRank int) Session {
	s := Session{ID: sessionID, StartRank: startRank}
	t.mu.Lock()
	t.current[userID] = s
	t.mu.Unlock()
	return s
}

// Reattach is Attach with a freshly minted session ID. Used by the session
// API where the caller supplies only a conversation token.
func (t *Tracker) Reattach(userID string, startRank int) Session {
	return t.Attach(userID, newSessionID(), startRank)
}

// Clear drops the user's session, typically on logout. The next send must
// start a new session (the service does so lazily).
func (t *Tracker) Clear(userID string) {
	t.mu.Lock()
	delete(t.current, userID)
	t.mu.Unlock()
}

// Current returns the user's active session, if any.
func (t *Tracker) Current(userID string) (Session, bool) {
	t.mu.Lock()
	s, ok := t.current[userID]
	t.mu.Unlock()
	return s, ok
}

// Anchor records the rank of the session's first stored entry. A no-op when
// the session already has an anchor or is no longer the given session.
func (t *Tracker) Anchor(userID, sessionID string, startRank int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.current[userID]
	if !ok || s.ID != sessionID || s.StartRank != 0 {
		return
	}
	s.StartRank = startRank
	t.current[userID] = s
}

// ClearIfAnchored drops the user's session when it is anchored at startRank.
// Used after deleting a conversation so the tracker never points at ranks
// that no longer exist.
func (t *Tracker) ClearIfAnchored(userID string, startRank int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.current[userID]; ok && s.StartRank == startRank {
		delete(t.current, userID)
	}
}

func newSessionID() string {
	return uuid.NewString()
}
