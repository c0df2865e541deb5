package coordinator

import (
	"slices"
	"sync"
)

// MembershipTable holds one entry per session that has live members or an
// operation in flight. Acquire hands out the entry with its lock held, which
// serializes every state change for that session while leaving other
// sessions untouched.
type MembershipTable struct {
	mu      sync.Mutex
	entries map[string]*SessionEntry
}

// SessionEntry is the in-memory membership of one session. Occupancy counts
// live connections, including a slot reserved by a join still in progress.
// All fields are guarded by the entry lock, except refs which the table lock
// guards.
type SessionEntry struct {
	mu          sync.Mutex
	sessionID   string
	refs        int
	members     map[string]string // connection ID -> character ID
	byCharacter map[string]string // character ID -> connection ID
	occupancy   int
}

// NewMembershipTable returns an empty table.
func NewMembershipTable() *MembershipTable {
	return &MembershipTable{entries: make(map[string]*SessionEntry)}
}

// Acquire returns the entry for sessionID, creating it if needed, and blocks
// until the caller holds its lock. Every Acquire must be paired with Release.
func (t *MembershipTable) Acquire(sessionID string) *SessionEntry {
	t.mu.Lock()
	entry, ok := t.entries[sessionID]
	if !ok {
		entry = &SessionEntry{
			sessionID:   sessionID,
			members:     make(map[string]string),
			byCharacter: make(map[string]string),
		}
		t.entries[sessionID] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()
	return entry
}

// Release unlocks entry and discards it once nobody references it and it has
// no members left.
func (t *MembershipTable) Release(entry *SessionEntry) {
	empty := len(entry.members) == 0 && entry.occupancy == 0
	entry.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	entry.refs--
	if entry.refs == 0 && empty {
		delete(t.entries, entry.sessionID)
	}
}

// Len returns the number of sessions with an in-memory entry.
func (t *MembershipTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// SessionID returns the session the entry belongs to.
func (e *SessionEntry) SessionID() string {
	return e.sessionID
}

// Occupancy returns the live connection count.
func (e *SessionEntry) Occupancy() int {
	return e.occupancy
}

// Members returns a snapshot of the member connection IDs in sorted order.
func (e *SessionEntry) Members() []string {
	out := make([]string, 0, len(e.members))
	for connID := range e.members {
		out = append(out, connID)
	}
	slices.Sort(out)
	return out
}

// Has reports whether connID is a member.
func (e *SessionEntry) Has(connID string) bool {
	_, ok := e.members[connID]
	return ok
}

// ConnectionFor returns the connection bound to characterID.
func (e *SessionEntry) ConnectionFor(characterID string) (string, bool) {
	connID, ok := e.byCharacter[characterID]
	return connID, ok
}

// Reserve claims a slot if occupancy is below capacity.
func (e *SessionEntry) Reserve(capacity int) bool {
	if e.occupancy >= capacity {
		return false
	}
	e.occupancy++
	return true
}

// Unreserve returns a slot claimed by Reserve that was never attached.
func (e *SessionEntry) Unreserve() {
	if e.occupancy > len(e.members) {
		e.occupancy--
	}
}

// Attach fills a reserved slot with connID playing characterID.
func (e *SessionEntry) Attach(connID, characterID string) {
	e.members[connID] = characterID
	e.byCharacter[characterID] = connID
}

// Swap moves characterID from its current connection to connID without
// changing occupancy. It returns the replaced connection.
func (e *SessionEntry) Swap(characterID, connID string) (string, bool) {
	old, ok := e.byCharacter[characterID]
	if ok {
		delete(e.members, old)
	}
	e.members[connID] = characterID
	e.byCharacter[characterID] = connID
	return old, ok
}

// Detach removes connID, frees its slot and returns its character.
func (e *SessionEntry) Detach(connID string) (string, bool) {
	characterID, ok := e.members[connID]
	if !ok {
		return "", false
	}
	delete(e.members, connID)
	if e.byCharacter[characterID] == connID {
		delete(e.byCharacter, characterID)
	}
	e.occupancy--
	return characterID, true
}
