// Package reconnect implements the Reconnection Manager: recording
// disconnections, arbitrating replay from the ring buffer on reattach,
// and serving cached terminal-state snapshots across reconnects.
package reconnect

import (
	"sync"
	"time"

	"github.com/terminox/agent/internal/ring"
	"github.com/terminox/agent/internal/session"
)

// DisconnectedClientState records what a client had seen as of its last
// clean read, so a later reconnect can resume exactly where it left off.
type DisconnectedClientState struct {
	ClientID           string
	SessionID          string
	LastSequenceNumber int64
	DisconnectedAt     time.Time
}

// Result is the outcome of a successful AttemptReconnection.
type Result struct {
	Chunks   []ring.Chunk
	Snapshot *session.TerminalStateSnapshot
	DataLost bool
}

// ErrWindowExpired is returned when a stored disconnection is older than
// the configured reconnection window; the entry is cleared as a result.
var ErrWindowExpired = session.ErrWindowExpired

// ErrNoDisconnection is returned when attempting a reconnection for a
// client/session pair with no recorded disconnection and no supplied
// clientLastSeq to replay from.
var ErrNoDisconnection = errNoDisconnection{}

type errNoDisconnection struct{}

func (errNoDisconnection) Error() string { return "reconnect: no known replay position" }

// Config bounds how long disconnection state is retained.
type Config struct {
	ReconnectionWindow time.Duration
	CleanupGrace       time.Duration
}

// DefaultConfig matches terminox's out-of-the-box sizing.
var DefaultConfig = Config{
	ReconnectionWindow: 2 * time.Minute,
	CleanupGrace:       30 * time.Second,
}

// Manager tracks disconnection state and cached terminal snapshots
// across reconnect attempts, keyed by sessionId.
type Manager struct {
	mu  sync.Mutex
	cfg Config

	disconnects map[string]DisconnectedClientState // keyed by sessionID
	snapshots   map[string]*session.TerminalStateSnapshot
	nowFunc     func() time.Time
}

// New creates a Manager. nowFunc supplies the clock; pass nil for time.Now.
func New(cfg Config, nowFunc func() time.Time) *Manager {
	if cfg.ReconnectionWindow <= 0 {
		cfg.ReconnectionWindow = DefaultConfig.ReconnectionWindow
	}
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = DefaultConfig.CleanupGrace
	}
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Manager{
		cfg:         cfg,
		disconnects: make(map[string]DisconnectedClientState),
		snapshots:   make(map[string]*session.TerminalStateSnapshot),
		nowFunc:     nowFunc,
	}
}

// RecordDisconnection stores the last sequence number a client had
// acknowledged for a session, and opportunistically cleans up entries
// older than reconnectionWindow + cleanupGrace.
func (m *Manager) RecordDisconnection(clientID, sessionID string, lastSeq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	m.disconnects[sessionID] = DisconnectedClientState{
		ClientID:           clientID,
		SessionID:          sessionID,
		LastSequenceNumber: lastSeq,
		DisconnectedAt:     now,
	}
	m.evictStaleLocked(now)
}

func (m *Manager) evictStaleLocked(now time.Time) {
	maxAge := m.cfg.ReconnectionWindow + m.cfg.CleanupGrace
	for id, d := range m.disconnects {
		if now.Sub(d.DisconnectedAt) > maxAge {
			delete(m.disconnects, id)
		}
	}
}

// AttemptReconnection resolves a replay-from position, checks the
// reconnection window, and returns the chunks (plus cached snapshot and
// dataLost flag) the caller should deliver to the reattaching client.
// clientLastSeq, if non-nil, overrides any stored disconnection record.
func (m *Manager) AttemptReconnection(sessionID string, buf *ring.Buffer, clientLastSeq *int64) (Result, error) {
	m.mu.Lock()

	var replayFrom int64
	haveReplayFrom := false

	if clientLastSeq != nil {
		replayFrom = *clientLastSeq
		haveReplayFrom = true
	}

	d, hasRecord := m.disconnects[sessionID]
	if hasRecord {
		if !haveReplayFrom {
			replayFrom = d.LastSequenceNumber
			haveReplayFrom = true
		}
		if m.nowFunc().Sub(d.DisconnectedAt) > m.cfg.ReconnectionWindow {
			delete(m.disconnects, sessionID)
			m.mu.Unlock()
			return Result{}, ErrWindowExpired
		}
	}

	snapshot := m.snapshots[sessionID]
	delete(m.disconnects, sessionID)
	m.mu.Unlock()

	if !haveReplayFrom {
		return Result{}, ErrNoDisconnection
	}

	chunks, dataLost := buf.ReadFrom(replayFrom + 1)

	return Result{Chunks: chunks, Snapshot: snapshot, DataLost: dataLost}, nil
}

// UpdateStateSnapshot replaces the cached terminal-state snapshot for a
// session.
func (m *Manager) UpdateStateSnapshot(sessionID string, snapshot *session.TerminalStateSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[sessionID] = snapshot
}

// GetStateSnapshot returns the cached terminal-state snapshot for a
// session, or nil if none has been recorded.
func (m *Manager) GetStateSnapshot(sessionID string) *session.TerminalStateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[sessionID]
}

// ClearSessionState drops all disconnection and snapshot state for a
// session; called when the session terminates.
func (m *Manager) ClearSessionState(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.disconnects, sessionID)
	delete(m.snapshots, sessionID)
}
