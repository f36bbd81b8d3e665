// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sort"
	"sync"
	"time"
)

// Info is a point-in-time session snapshot, serialized as JSON for
// cmdsh sessions output and as CBOR over the control socket.
type Info struct {
	ID         string    `json:"id" cbor:"id"`
	Command    string    `json:"command" cbor:"command"`
	RemoteAddr string    `json:"remote_addr" cbor:"remote_addr"`
	StartedAt  time.Time `json:"started_at" cbor:"started_at"`
	State      string    `json:"state" cbor:"state"`
	Rows       uint32    `json:"rows" cbor:"rows"`
	Columns    uint32    `json:"columns" cbor:"columns"`
	BytesIn    uint64    `json:"bytes_in" cbor:"bytes_in"`
	BytesOut   uint64    `json:"bytes_out" cbor:"bytes_out"`
}

// Registry tracks the live sessions of one daemon. Handlers add their
// session after a successful handshake and remove it during teardown;
// the control socket reads snapshots concurrently.
type Registry struct {
	mutex    sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its ID.
func (r *Registry) Add(session *Session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.sessions[session.ID] = session
}

// Remove drops a session from the registry. Removing an unknown ID is
// a no-op; teardown paths can race without bookkeeping.
func (r *Registry) Remove(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.sessions, id)
}

// Get returns the session with the given ID, or nil.
func (r *Registry) Get(id string) *Session {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.sessions[id]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}

// Snapshot returns Info for every live session, ordered by start time
// (oldest first) so repeated listings are stable.
func (r *Registry) Snapshot() []Info {
	r.mutex.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, session := range r.sessions {
		infos = append(infos, session.Info())
	}
	r.mutex.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// CloseAll closes every registered session. Used during daemon
// shutdown; individual handlers still run their own teardown, which
// Close's idempotence makes harmless.
func (r *Registry) CloseAll() {
	r.mutex.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mutex.RUnlock()

	for _, session := range sessions {
		_ = session.Close()
	}
}
