package session

import (
	"testing"
	"time"

	"github.com/terminox/agent/internal/ring"
)

func newTestRing() *ring.Buffer {
	return ring.New(ring.DefaultConfig, func() int64 { return 0 })
}

func TestCreateSessionEnforcesPerConnectionLimit(t *testing.T) {
	r := New(Config{MaxSessionsPerConnection: 2, MaxSessionsTotal: 100, ReconnectionWindow: time.Minute})

	if _, err := r.CreateSession("conn-1", nil, newTestRing(), "pty"); err != nil {
		t.Fatalf("CreateSession 1: %v", err)
	}
	if _, err := r.CreateSession("conn-1", nil, newTestRing(), "pty"); err != nil {
		t.Fatalf("CreateSession 2: %v", err)
	}
	if _, err := r.CreateSession("conn-1", nil, newTestRing(), "pty"); err != ErrLimitExceeded {
		t.Fatalf("expected ErrLimitExceeded on 3rd session for conn-1, got %v", err)
	}

	// A different connection should be unaffected.
	if _, err := r.CreateSession("conn-2", nil, newTestRing(), "pty"); err != nil {
		t.Fatalf("CreateSession for conn-2: %v", err)
	}
}

func TestCreateSessionEnforcesGlobalLimit(t *testing.T) {
	r := New(Config{MaxSessionsPerConnection: 100, MaxSessionsTotal: 1, ReconnectionWindow: time.Minute})
	if _, err := r.CreateSession("conn-1", nil, newTestRing(), "pty"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := r.CreateSession("conn-2", nil, newTestRing(), "pty"); err != ErrLimitExceeded {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestStateMachineTransitions(t *testing.T) {
	r := New(DefaultConfig)
	ms, err := r.CreateSession("conn-1", nil, newTestRing(), "pty")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := r.UpdateSessionState(ms.ID, StateActive); err != nil {
		t.Fatalf("STARTING -> ACTIVE: %v", err)
	}
	if err := r.MarkDisconnected(ms.ID); err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}
	if r.GetSession(ms.ID).State != StateDetached {
		t.Fatal("expected DETACHED after MarkDisconnected")
	}

	reattached, err := r.ReconnectSession(ms.ID, "conn-2")
	if err != nil {
		t.Fatalf("ReconnectSession: %v", err)
	}
	if reattached.State != StateActive {
		t.Fatalf("expected ACTIVE after reconnect, got %v", reattached.State)
	}
	if reattached.ConnectionID != "conn-2" {
		t.Fatalf("expected ConnectionID to update to conn-2, got %s", reattached.ConnectionID)
	}
}

func TestIllegalBackwardTransitionFails(t *testing.T) {
	r := New(DefaultConfig)
	ms, _ := r.CreateSession("conn-1", nil, newTestRing(), "pty")
	r.UpdateSessionState(ms.ID, StateActive)
	r.TerminateSession(ms.ID, "test")

	if err := r.UpdateSessionState(ms.ID, StateActive); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a terminated (and removed) session, got %v", err)
	}
}

func TestReconnectNotDetachedFails(t *testing.T) {
	r := New(DefaultConfig)
	ms, _ := r.CreateSession("conn-1", nil, newTestRing(), "pty")
	r.UpdateSessionState(ms.ID, StateActive)

	if _, err := r.ReconnectSession(ms.ID, "conn-2"); err != ErrNotDetached {
		t.Fatalf("expected ErrNotDetached, got %v", err)
	}
}

func TestReconnectWindowExpiredTerminatesSession(t *testing.T) {
	r := New(Config{MaxSessionsPerConnection: 10, MaxSessionsTotal: 10, ReconnectionWindow: 1 * time.Millisecond})
	ms, _ := r.CreateSession("conn-1", nil, newTestRing(), "pty")
	r.UpdateSessionState(ms.ID, StateActive)
	r.MarkDisconnected(ms.ID)

	time.Sleep(10 * time.Millisecond)

	if _, err := r.ReconnectSession(ms.ID, "conn-2"); err != ErrWindowExpired {
		t.Fatalf("expected ErrWindowExpired, got %v", err)
	}
	if r.GetSession(ms.ID) != nil {
		t.Fatal("expected session to be removed from registry after window expiry")
	}
}

func TestTerminateSessionIsIdempotent(t *testing.T) {
	r := New(DefaultConfig)
	ms, _ := r.CreateSession("conn-1", nil, newTestRing(), "pty")
	r.TerminateSession(ms.ID, "first")
	r.TerminateSession(ms.ID, "second")
	if r.GetSession(ms.ID) != nil {
		t.Fatal("expected session to remain removed after repeated terminate")
	}
}

func TestTerminateSealsRingBuffer(t *testing.T) {
	r := New(DefaultConfig)
	buf := newTestRing()
	ms, _ := r.CreateSession("conn-1", nil, buf, "pty")
	r.TerminateSession(ms.ID, "done")
	if _, err := buf.Write([]byte("x"), false); err != ring.ErrSealed {
		t.Fatalf("expected ring buffer to be sealed after session termination, got %v", err)
	}
}

func TestExportStateEnumeratesSessions(t *testing.T) {
	r := New(DefaultConfig)
	r.CreateSession("conn-1", nil, newTestRing(), "pty")
	r.CreateSession("conn-2", nil, newTestRing(), "pty")

	states := r.ExportState()
	if len(states) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(states))
	}
}

func TestGetSessionsForConnection(t *testing.T) {
	r := New(DefaultConfig)
	r.CreateSession("conn-1", nil, newTestRing(), "pty")
	r.CreateSession("conn-1", nil, newTestRing(), "pty")
	r.CreateSession("conn-2", nil, newTestRing(), "pty")

	sessions := r.GetSessionsForConnection("conn-1")
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions for conn-1, got %d", len(sessions))
	}
}
