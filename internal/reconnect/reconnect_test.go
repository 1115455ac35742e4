package reconnect

import (
	"testing"
	"time"

	"github.com/terminox/agent/internal/ring"
	"github.com/terminox/agent/internal/session"
)

func TestReconnectionNoLossWhenWithinWindow(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := New(Config{ReconnectionWindow: time.Minute, CleanupGrace: time.Minute}, clock)

	buf := ring.New(ring.Config{MaxSizeBytes: 1024, MaxChunks: 100}, func() int64 { return 0 })
	for i := 0; i < 5; i++ {
		buf.Write([]byte{byte('a' + i)}, false)
	}

	m.RecordDisconnection("client-1", "sess-1", 2) // lastSeq=k=2

	res, err := m.AttemptReconnection("sess-1", buf, nil)
	if err != nil {
		t.Fatalf("AttemptReconnection: %v", err)
	}
	if res.DataLost {
		t.Fatal("expected dataLost=false: oldestSequence <= k+1")
	}
	if len(res.Chunks) == 0 || res.Chunks[0].SequenceNumber != 3 {
		t.Fatalf("expected replay to start at seq=3, got %+v", res.Chunks)
	}
}

func TestReconnectionLossFlagWhenOldestExceedsK1(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := New(Config{ReconnectionWindow: time.Minute, CleanupGrace: time.Minute}, clock)

	// Small buffer: evicts early chunks so oldestSequence advances past k+1.
	buf := ring.New(ring.Config{MaxSizeBytes: 2, MaxChunks: 2}, func() int64 { return 0 })
	for i := 0; i < 10; i++ {
		buf.Write([]byte{byte('a' + i)}, false)
	}

	m.RecordDisconnection("client-1", "sess-1", 1) // client thinks it's at k=1, long since evicted

	res, err := m.AttemptReconnection("sess-1", buf, nil)
	if err != nil {
		t.Fatalf("AttemptReconnection: %v", err)
	}
	if !res.DataLost {
		t.Fatal("expected dataLost=true: oldestSequence > k+1")
	}
}

func TestAttemptReconnectionWindowExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := New(Config{ReconnectionWindow: time.Millisecond, CleanupGrace: time.Minute}, clock)
	buf := ring.New(ring.DefaultConfig, func() int64 { return 0 })

	m.RecordDisconnection("client-1", "sess-1", 0)
	now = now.Add(10 * time.Millisecond)

	if _, err := m.AttemptReconnection("sess-1", buf, nil); err != ErrWindowExpired {
		t.Fatalf("expected ErrWindowExpired, got %v", err)
	}
	// Entry must be cleared after expiry.
	if _, err := m.AttemptReconnection("sess-1", buf, nil); err != ErrNoDisconnection {
		t.Fatalf("expected ErrNoDisconnection after expiry cleared the record, got %v", err)
	}
}

func TestClientLastSeqOverridesStoredRecord(t *testing.T) {
	now := time.Now()
	m := New(Config{ReconnectionWindow: time.Minute, CleanupGrace: time.Minute}, func() time.Time { return now })
	buf := ring.New(ring.DefaultConfig, func() int64 { return 0 })
	for i := 0; i < 5; i++ {
		buf.Write([]byte{byte('a' + i)}, false)
	}

	m.RecordDisconnection("client-1", "sess-1", 0)
	override := int64(2)
	res, err := m.AttemptReconnection("sess-1", buf, &override)
	if err != nil {
		t.Fatalf("AttemptReconnection: %v", err)
	}
	if res.Chunks[0].SequenceNumber != 3 {
		t.Fatalf("expected replay to honor client-supplied lastSeq override, got %+v", res.Chunks)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := New(DefaultConfig, nil)
	snap := &session.TerminalStateSnapshot{SessionID: "sess-1", Cols: 80, Rows: 24}
	m.UpdateStateSnapshot("sess-1", snap)

	if got := m.GetStateSnapshot("sess-1"); got != snap {
		t.Fatalf("expected same snapshot pointer back, got %+v", got)
	}

	m.ClearSessionState("sess-1")
	if got := m.GetStateSnapshot("sess-1"); got != nil {
		t.Fatalf("expected snapshot cleared, got %+v", got)
	}
}

func TestAttemptReconnectionNoRecordNoOverrideFails(t *testing.T) {
	m := New(DefaultConfig, nil)
	buf := ring.New(ring.DefaultConfig, func() int64 { return 0 })
	if _, err := m.AttemptReconnection("unknown-session", buf, nil); err != ErrNoDisconnection {
		t.Fatalf("expected ErrNoDisconnection, got %v", err)
	}
}
