package dispatch

import (
	"context"
	"sync"
)

// ConnectionDirectory maps a user to their single live connection. A newer
// registration for the same user replaces the older one.
type ConnectionDirectory interface {
	Register(ctx context.Context, userID, connID string) error
	// Lookup returns the user's current connection id, if any.
	Lookup(ctx context.Context, userID string) (string, bool, error)
	// Unregister forgets connID. The user entry is only cleared while it
	// still points at connID, so a stale disconnect cannot evict a newer
	// connection.
	Unregister(ctx context.Context, connID string) error
}

// MemoryDirectory is a process-local ConnectionDirectory.
type MemoryDirectory struct {
	mu     sync.RWMutex
	byUser map[string]string
	byConn map[string]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{byUser: make(map[string]string), byConn: make(map[string]string)}
}

func (d *MemoryDirectory) Register(_ context.Context, userID, connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.byUser[userID]; ok && old != connID {
		delete(d.byConn, old)
	}
	d.byUser[userID] = connID
	d.byConn[connID] = userID
	return nil
}

func (d *MemoryDirectory) Lookup(_ context.Context, userID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byUser[userID]
	return id, ok, nil
}

func (d *MemoryDirectory) Unregister(_ context.Context, connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	userID, ok := d.byConn[connID]
	if !ok {
		return nil
	}
	delete(d.byConn, connID)
	if d.byUser[userID] == connID {
		delete(d.byUser, userID)
	}
	return nil
}
