package audit

import (
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndListBySubject(t *testing.T) {
	s := openTestStore(t)

	if err := LogConnectionOpened(s, "conn-1", "127.0.0.1:5000"); err != nil {
		t.Fatalf("log opened: %v", err)
	}
	if err := LogConnectionClosed(s, "conn-1"); err != nil {
		t.Fatalf("log closed: %v", err)
	}
	if err := LogConnectionOpened(s, "conn-2", "127.0.0.1:5001"); err != nil {
		t.Fatalf("log opened conn-2: %v", err)
	}

	events, err := s.ListBySubject("conn-1")
	if err != nil {
		t.Fatalf("list by subject: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for conn-1, got %d", len(events))
	}
	if events[0].EventType != EventConnectionOpened || events[1].EventType != EventConnectionClosed {
		t.Fatalf("unexpected event order: %+v", events)
	}
	if events[0].Detail == nil || *events[0].Detail != "127.0.0.1:5000" {
		t.Fatalf("unexpected detail: %+v", events[0].Detail)
	}
}

func TestListByCategoryOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)

	if err := LogSessionCreated(s, "sess-1", "/bin/zsh"); err != nil {
		t.Fatalf("log created: %v", err)
	}
	if err := LogSessionTerminated(s, "sess-1", "client requested close"); err != nil {
		t.Fatalf("log terminated: %v", err)
	}

	events, err := s.ListByCategory(CategorySession, 10)
	if err != nil {
		t.Fatalf("list by category: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 session events, got %d", len(events))
	}
	if events[0].EventType != EventSessionTerminated {
		t.Fatalf("expected newest-first order, got %+v", events)
	}
}

func TestPairingEventsCategory(t *testing.T) {
	s := openTestStore(t)

	if err := LogPairingInitiated(s, "pair-1", "Alice's Phone"); err != nil {
		t.Fatalf("log initiated: %v", err)
	}
	if err := LogPairingConfirmed(s, "pair-1", "device-abc"); err != nil {
		t.Fatalf("log confirmed: %v", err)
	}

	events, err := s.ListBySubject("pair-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for _, e := range events {
		if e.Category != CategoryPairing {
			t.Errorf("expected category pairing, got %s", e.Category)
		}
	}
}
