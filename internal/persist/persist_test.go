package persist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/terminox/agent/internal/session"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.cbor")

	now := time.Now().Truncate(time.Second)
	sessions := []session.Session{
		{ID: "s1", ConnectionID: "c1", State: session.StateActive, CreatedAt: now, LastActivityAt: now},
	}

	if err := Save(path, sessions, now); err != nil {
		t.Fatalf("Save: %v", err)
	}

	blob, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if blob.Version != blobVersion {
		t.Fatalf("expected version %d, got %d", blobVersion, blob.Version)
	}
	if len(blob.Sessions) != 1 || blob.Sessions[0].ID != "s1" {
		t.Fatalf("unexpected sessions: %+v", blob.Sessions)
	}
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.cbor")

	blob, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(blob.Sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(blob.Sessions))
	}
}
