// Package persist writes and reads the session-persistence blob: a
// CBOR-encoded snapshot of the Session Registry's exported state,
// written at a configured path for operator diagnostics across
// restarts. The format need not be stable across versions, so it
// carries a small version field rather than a migration system.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/terminox/agent/internal/session"
)

const blobVersion = 1

// Blob is the on-disk shape of the persistence file.
type Blob struct {
	Version   int               `cbor:"version"`
	WrittenAt time.Time         `cbor:"writtenAt"`
	Sessions  []session.Session `cbor:"sessions"`
}

// DefaultPath returns "$HOME/.terminox/sessions.cbor".
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("persist: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".terminox", "sessions.cbor"), nil
}

// Save CBOR-encodes the registry's exported state and writes it to path
// with a tmp-file-then-rename swap, the same durability pattern the
// paired-device store uses.
func Save(path string, sessions []session.Session, now time.Time) error {
	blob := Blob{Version: blobVersion, WrittenAt: now, Sessions: sessions}
	data, err := cbor.Marshal(blob)
	if err != nil {
		return fmt.Errorf("persist: marshal session blob: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("persist: create persistence directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("persist: write session blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist: commit session blob: %w", err)
	}
	return nil
}

// Load reads and decodes the session-persistence blob at path. A
// missing file is not an error: it returns a zero-value Blob. The
// sessions it describes are informational only — their PTY processes
// did not survive the restart, so nothing in the registry is
// repopulated from this data.
func Load(path string) (Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Blob{Version: blobVersion}, nil
		}
		return Blob{}, fmt.Errorf("persist: read session blob: %w", err)
	}
	var blob Blob
	if err := cbor.Unmarshal(data, &blob); err != nil {
		return Blob{}, fmt.Errorf("persist: decode session blob: %w", err)
	}
	return blob, nil
}
