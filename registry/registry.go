// Package registry tracks the live device sessions of every connected account.
//
// Sessions live in an arena keyed by Handle. Three indexes point into it:
// account -> handles in insertion order, (account, device) -> handles, and
// username -> account. An account key exists in every index only while at
// least one of its sessions is registered. The registry is process-local and
// is never persisted.
package registry

import (
	"errors"
	"slices"
	"sync"
	"time"

	"kuno/models"
)

// ErrNoTransport indicates a session was created without a transport.
var ErrNoTransport = errors.New("registry: session has no transport")

// Handle identifies one registered session.
type Handle uint64

// Transport is the one-way send side of a live connection.
type Transport interface {
	Send(payload []byte) error
	Close(code int, reason string) error
}

// Session is one authenticated live connection of an account device.
type Session struct {
	ID          string
	AccountID   string
	Username    string
	DeviceID    int
	ConnectedAt time.Time

	transport Transport
}

// NewSession binds verified claims to a transport.
func NewSession(id string, claims models.Claims, transport Transport) *Session {
	return &Session{
		ID:          id,
		AccountID:   claims.AccountID,
		Username:    claims.Username,
		DeviceID:    claims.DeviceID,
		ConnectedAt: time.Now(),
		transport:   transport,
	}
}

// Send writes one payload to the session transport.
func (s *Session) Send(payload []byte) error {
	if s.transport == nil {
		return ErrNoTransport
	}
	return s.transport.Send(payload)
}

// Close closes the session transport with a close code and reason.
func (s *Session) Close(code int, reason string) error {
	if s.transport == nil {
		return ErrNoTransport
	}
	return s.transport.Close(code, reason)
}

type deviceKey struct {
	accountID string
	deviceID  int
}

// Registry is the concurrency-safe connection registry.
type Registry struct {
	mu sync.RWMutex

	next     Handle
	sessions map[Handle]*Session

	accounts  map[string][]Handle
	devices   map[deviceKey][]Handle
	usernames map[string]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions:  make(map[Handle]*Session),
		accounts:  make(map[string][]Handle),
		devices:   make(map[deviceKey][]Handle),
		usernames: make(map[string]string),
	}
}

// Add registers a session under its account. Sessions for the same account are
// all retained, in insertion order.
func (r *Registry) Add(session *Session) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.insertLocked(session)
}

// Replace registers session and removes every session already registered for
// the same account device, returning the removed ones so the caller can close
// them. Both steps happen under one lock.
func (r *Registry) Replace(session *Session) (Handle, []*Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := deviceKey{accountID: session.AccountID, deviceID: session.DeviceID}
	stale := r.snapshotLocked(r.devices[key])
	for _, handle := range slices.Clone(r.devices[key]) {
		r.removeLocked(handle)
	}

	return r.insertLocked(session), stale
}

// Remove removes the first session of accountID registered for deviceID.
// Unknown accounts or devices are ignored.
func (r *Registry) Remove(accountID string, deviceID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := r.devices[deviceKey{accountID: accountID, deviceID: deviceID}]
	if len(handles) == 0 {
		return
	}
	r.removeLocked(handles[0])
}

// RemoveSession removes exactly the session registered under handle.
// It reports whether the handle was still registered.
func (r *Registry) RemoveSession(handle Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[handle]; !ok {
		return false
	}
	r.removeLocked(handle)
	return true
}

// SessionsFor returns a snapshot of the live sessions of accountID. The result
// is never nil.
func (r *Registry) SessionsFor(accountID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(r.accounts[accountID])
}

// SessionsForUsername resolves a username through the live username index.
func (r *Registry) SessionsForUsername(username string) (string, []*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	accountID, ok := r.usernames[username]
	if !ok {
		return "", []*Session{}, false
	}
	return accountID, r.snapshotLocked(r.accounts[accountID]), true
}

// DeviceSessions returns the live sessions of one account device.
func (r *Registry) DeviceSessions(accountID string, deviceID int) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(r.devices[deviceKey{accountID: accountID, deviceID: deviceID}])
}

// Accounts returns the accounts with at least one live session.
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.accounts))
	for accountID := range r.accounts {
		out = append(out, accountID)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, handles := range r.accounts {
		out = append(out, r.snapshotLocked(handles)...)
	}
	return out
}

func (r *Registry) snapshotLocked(handles []Handle) []*Session {
	out := make([]*Session, 0, len(handles))
	for _, handle := range handles {
		if session, ok := r.sessions[handle]; ok {
			out = append(out, session)
		}
	}
	return out
}

func (r *Registry) insertLocked(session *Session) Handle {
	r.next++
	handle := r.next
	r.sessions[handle] = session

	r.accounts[session.AccountID] = append(r.accounts[session.AccountID], handle)
	key := deviceKey{accountID: session.AccountID, deviceID: session.DeviceID}
	r.devices[key] = append(r.devices[key], handle)
	if session.Username != "" {
		r.usernames[session.Username] = session.AccountID
	}
	return handle
}

func (r *Registry) removeLocked(handle Handle) {
	session := r.sessions[handle]
	delete(r.sessions, handle)

	key := deviceKey{accountID: session.AccountID, deviceID: session.DeviceID}
	if remaining := dropHandle(r.devices[key], handle); len(remaining) > 0 {
		r.devices[key] = remaining
	} else {
		delete(r.devices, key)
	}

	if remaining := dropHandle(r.accounts[session.AccountID], handle); len(remaining) > 0 {
		r.accounts[session.AccountID] = remaining
		return
	}
	delete(r.accounts, session.AccountID)
	if r.usernames[session.Username] == session.AccountID {
		delete(r.usernames, session.Username)
	}
}

func dropHandle(handles []Handle, handle Handle) []Handle {
	return slices.DeleteFunc(handles, func(h Handle) bool { return h == handle })
}
