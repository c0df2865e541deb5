package coordinator

import "sync"

// Binding is the session and character a connection currently speaks for.
type Binding struct {
	SessionID   string
	CharacterID string
}

// ConnectionRegistry maps live connection IDs to their binding. Lookups
// return copies, so a reader sees either a whole binding or none.
type ConnectionRegistry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{bindings: make(map[string]Binding)}
}

// Bind associates connID with binding, replacing any previous one.
func (r *ConnectionRegistry) Bind(connID string, binding Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[connID] = binding
}

// Lookup returns the binding for connID.
func (r *ConnectionRegistry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	binding, ok := r.bindings[connID]
	return binding, ok
}

// Unbind removes connID and returns the binding it had.
func (r *ConnectionRegistry) Unbind(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.bindings[connID]
	delete(r.bindings, connID)
	return binding, ok
}

// Len returns the number of bound connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
