// Package presence holds the live, per-process view of which connections
// are joined to which session and what resource each one is viewing.
// Nothing here is durable; a process restart empties the tracker and
// clients are expected to re-join.
package presence

import (
	"sync"

	"collab-backend/internal/model"
)

// Entry is the per-connection presence record. A user with several tabs
// open holds one Entry per connection.
type Entry struct {
	ConnID  string
	Session string
	User    model.UserSummary
	Viewing string // resource id currently open, empty when none
}

// Tracker 세션별 접속 현황 추적
type Tracker struct {
	mu        sync.RWMutex
	byConn    map[string]*Entry
	bySession map[string]map[string]*Entry // session name -> connID -> entry
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byConn:    make(map[string]*Entry),
		bySession: make(map[string]map[string]*Entry),
	}
}

// Add records a new connection and returns the resulting roster for the
// session. Re-adding an existing connID replaces the previous entry.
func (t *Tracker) Add(connID, session string, user model.UserSummary) []model.UserSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.byConn[connID]; ok {
		delete(t.bySession[prev.Session], connID)
	}

	entry := &Entry{ConnID: connID, Session: session, User: user}
	t.byConn[connID] = entry

	conns, ok := t.bySession[session]
	if !ok {
		conns = make(map[string]*Entry)
		t.bySession[session] = conns
	}
	conns[connID] = entry

	return t.rosterLocked(session)
}

// Remove deletes the entry for connID and returns the session it belonged
// to plus the updated roster. Removing an unknown connection is a no-op;
// double-disconnect events are expected under flaky networks.
func (t *Tracker) Remove(connID string) (string, []model.UserSummary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byConn[connID]
	if !ok {
		return "", nil, false
	}

	delete(t.byConn, connID)
	if conns, ok := t.bySession[entry.Session]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(t.bySession, entry.Session)
		}
	}

	return entry.Session, t.rosterLocked(entry.Session), true
}

// SetViewing updates the resource the connection is looking at. Empty
// resourceID clears it. Returns false for unknown connections.
func (t *Tracker) SetViewing(connID, resourceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byConn[connID]
	if !ok {
		return false
	}
	entry.Viewing = resourceID
	return true
}

// Get returns a copy of the entry for connID.
func (t *Tracker) Get(connID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// RosterFor returns the session's active users, deduplicated by user id.
// Order is not guaranteed.
func (t *Tracker) RosterFor(session string) []model.UserSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rosterLocked(session)
}

// ViewersOf returns the subset of the roster currently viewing resourceID.
func (t *Tracker) ViewersOf(session, resourceID string) []model.UserSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)
	viewers := make([]model.UserSummary, 0)
	for _, entry := range t.bySession[session] {
		if entry.Viewing != resourceID || resourceID == "" {
			continue
		}
		if seen[entry.User.ID] {
			continue
		}
		seen[entry.User.ID] = true
		viewers = append(viewers, entry.User)
	}
	return viewers
}

// ConnCount returns the number of open connections for the session.
func (t *Tracker) ConnCount(session string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bySession[session])
}

func (t *Tracker) rosterLocked(session string) []model.UserSummary {
	seen := make(map[string]bool)
	roster := make([]model.UserSummary, 0)
	for _, entry := range t.bySession[session] {
		if seen[entry.User.ID] {
			continue
		}
		seen[entry.User.ID] = true
		roster = append(roster, entry.User)
	}
	return roster
}
