// Package session implements the Session Registry: sessionId ->
// ManagedSession lifecycle, with TOCTOU-safe capacity enforcement and a
// monotonic state machine.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terminox/agent/internal/ptysup"
	"github.com/terminox/agent/internal/ring"
)

// State is a session's lifecycle state. Transitions are monotonic except
// ACTIVE <-> DETACHED, which may oscillate across reconnects.
type State int

const (
	StateStarting State = iota
	StateActive
	StateDetached
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateDetached:
		return "DETACHED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// legalTransitions enumerates the monotonic state graph plus the
// ACTIVE<->DETACHED oscillation, the one non-monotonic transition
// allowed.
var legalTransitions = map[State]map[State]bool{
	StateStarting:   {StateActive: true, StateTerminated: true},
	StateActive:     {StateDetached: true, StateTerminated: true},
	StateDetached:   {StateActive: true, StateTerminated: true},
	StateTerminated: {},
}

// TerminalStateSnapshot is an emulator-agnostic coarse view of a
// session's terminal used for reconnection, not for rendering.
type TerminalStateSnapshot struct {
	SessionID        string
	Cols             int
	Rows             int
	CursorX          int
	CursorY          int
	CursorVisible    bool
	ScreenBytes      []byte
	ScrollbackOffset int64
	ScrollbackTotal  int64
	FgColor          string
	BgColor          string
	Attributes       []string
	SequenceNumber   int64
}

// Session is the registry's externally visible record for one PTY-backed
// terminal. ManagedSession embeds it with the fields the registry alone
// manages (the process handle, the ring buffer).
type Session struct {
	ID              string
	ConnectionID    string
	State           State
	CreatedAt       time.Time
	LastActivityAt  time.Time
	AttachedClients map[string]bool
}

// ManagedSession is a Session plus the resources the registry exclusively
// owns: the PTY process handle and its output ring buffer.
type ManagedSession struct {
	Session
	Process      *ptysup.Handle
	Ring         *ring.Buffer
	ProtocolKind string

	mu       sync.Mutex
	snapshot *TerminalStateSnapshot
}

// Snapshot returns the session's cached terminal state snapshot, if any.
func (m *ManagedSession) Snapshot() *TerminalStateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// SetSnapshot replaces the session's cached terminal state snapshot.
func (m *ManagedSession) SetSnapshot(s *TerminalStateSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = s
}

// Errors returned by Registry operations.
var (
	ErrLimitExceeded     = errors.New("session: connection or global session limit exceeded")
	ErrNotFound          = errors.New("session: not found")
	ErrNotDetached       = errors.New("session: session is not DETACHED")
	ErrWindowExpired     = errors.New("session: reconnection window expired")
	ErrIllegalTransition = errors.New("session: illegal state transition")
)

// Config bounds how many sessions a single connection, and the registry
// as a whole, may hold simultaneously.
type Config struct {
	MaxSessionsPerConnection int
	MaxSessionsTotal         int
	ReconnectionWindow       time.Duration
}

// DefaultConfig matches terminox's out-of-the-box sizing.
var DefaultConfig = Config{
	MaxSessionsPerConnection: 16,
	MaxSessionsTotal:         256,
	ReconnectionWindow:       2 * time.Minute,
}

// Registry maps sessionId -> *ManagedSession and enforces capacity and
// lifecycle invariants. Per-connection and global capacity are checked in
// a single critical section so concurrent createSession calls cannot both
// observe room under the cap and both succeed (TOCTOU-safe).
type Registry struct {
	mu         sync.Mutex
	cfg        Config
	sessions   map[string]*ManagedSession
	byConn     map[string]map[string]bool
	detachedAt map[string]time.Time
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.MaxSessionsPerConnection <= 0 {
		cfg.MaxSessionsPerConnection = DefaultConfig.MaxSessionsPerConnection
	}
	if cfg.MaxSessionsTotal <= 0 {
		cfg.MaxSessionsTotal = DefaultConfig.MaxSessionsTotal
	}
	if cfg.ReconnectionWindow <= 0 {
		cfg.ReconnectionWindow = DefaultConfig.ReconnectionWindow
	}
	return &Registry{
		cfg:        cfg,
		sessions:   make(map[string]*ManagedSession),
		byConn:     make(map[string]map[string]bool),
		detachedAt: make(map[string]time.Time),
	}
}

// CreateSession registers a new session owned by connectionID, bound to
// the given process handle and ring buffer. Capacity is checked and the
// session inserted in a single critical section.
func (r *Registry) CreateSession(connectionID string, proc *ptysup.Handle, buf *ring.Buffer, protocolKind string) (*ManagedSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.cfg.MaxSessionsTotal {
		return nil, ErrLimitExceeded
	}
	if len(r.byConn[connectionID]) >= r.cfg.MaxSessionsPerConnection {
		return nil, ErrLimitExceeded
	}

	now := time.Now()
	ms := &ManagedSession{
		Session: Session{
			ID:              uuid.New().String(),
			ConnectionID:    connectionID,
			State:           StateStarting,
			CreatedAt:       now,
			LastActivityAt:  now,
			AttachedClients: map[string]bool{connectionID: true},
		},
		Process:      proc,
		Ring:         buf,
		ProtocolKind: protocolKind,
	}

	r.sessions[ms.ID] = ms
	if r.byConn[connectionID] == nil {
		r.byConn[connectionID] = make(map[string]bool)
	}
	r.byConn[connectionID][ms.ID] = true

	return ms, nil
}

// GetSession returns the session with id, or nil if not found.
func (r *Registry) GetSession(id string) *ManagedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// GetSessionsForConnection returns every session owned by connectionID.
func (r *Registry) GetSessionsForConnection(connectionID string) []*ManagedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ManagedSession
	for id := range r.byConn[connectionID] {
		if ms, ok := r.sessions[id]; ok {
			out = append(out, ms)
		}
	}
	return out
}

// UpdateSessionState transitions a session to newState, failing with
// ErrIllegalTransition if the move is not in the legal state graph.
func (r *Registry) UpdateSessionState(id string, newState State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !legalTransitions[ms.State][newState] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, ms.State, newState)
	}
	ms.State = newState
	ms.LastActivityAt = time.Now()
	return nil
}

// MarkDisconnected transitions a session from ACTIVE to DETACHED,
// retaining its process. Records the detach time for reconnection-window
// enforcement.
func (r *Registry) MarkDisconnected(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !legalTransitions[ms.State][StateDetached] {
		return fmt.Errorf("%w: %s -> DETACHED", ErrIllegalTransition, ms.State)
	}
	ms.State = StateDetached
	r.detachedAt[id] = time.Now()
	return nil
}

// ReconnectSession reattaches newConnectionID to a DETACHED session,
// transitioning it back to ACTIVE. Fails NotFound, NotDetached, or
// WindowExpired (and terminates the session on expiry) as appropriate.
func (r *Registry) ReconnectSession(id, newConnectionID string) (*ManagedSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if ms.State != StateDetached {
		return nil, ErrNotDetached
	}

	if detachedAt, ok := r.detachedAt[id]; ok {
		if time.Since(detachedAt) > r.cfg.ReconnectionWindow {
			r.terminateLocked(id, "reconnection window expired")
			return nil, ErrWindowExpired
		}
	}

	oldConn := ms.ConnectionID
	if oldConn != newConnectionID {
		delete(r.byConn[oldConn], id)
		if r.byConn[newConnectionID] == nil {
			r.byConn[newConnectionID] = make(map[string]bool)
		}
		r.byConn[newConnectionID][id] = true
	}

	ms.ConnectionID = newConnectionID
	ms.State = StateActive
	ms.LastActivityAt = time.Now()
	ms.AttachedClients[newConnectionID] = true
	delete(r.detachedAt, id)

	return ms, nil
}

// TerminateSession releases a session's process and removes it from the
// registry. Idempotent: terminating an already-terminated or unknown
// session is not an error.
func (r *Registry) TerminateSession(id string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminateLocked(id, reason)
}

func (r *Registry) terminateLocked(id string, reason string) {
	ms, ok := r.sessions[id]
	if !ok {
		return
	}
	ms.State = StateTerminated
	if ms.Process != nil {
		go ms.Process.GracefulTerminate(5000)
	}
	if ms.Ring != nil {
		ms.Ring.Seal()
	}
	delete(r.sessions, id)
	delete(r.byConn[ms.ConnectionID], id)
	delete(r.detachedAt, id)
}

// ExportState enumerates every session currently in the registry, for
// persistence into the session-persistence blob.
func (r *Registry) ExportState() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, ms := range r.sessions {
		out = append(out, ms.Session)
	}
	return out
}

// SessionCount reports the number of sessions currently tracked,
// regardless of state.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ConnectionCount reports the number of distinct connections that own
// at least one session.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ids := range r.byConn {
		if len(ids) > 0 {
			n++
		}
	}
	return n
}
