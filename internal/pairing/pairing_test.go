package pairing

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *DeviceStore {
	t.Helper()
	dir := t.TempDir()
	return NewDeviceStore(filepath.Join(dir, "paired_devices.json"))
}

func TestPairingHappyPath(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	m := NewManager(store, func() time.Time { return now })

	sess, err := m.InitiatePairing("my-phone", time.Minute)
	if err != nil {
		t.Fatalf("InitiatePairing: %v", err)
	}
	if sess.State != StateAwaitingMobileKey {
		t.Fatalf("expected AWAITING_MOBILE_KEY, got %v", sess.State)
	}

	// Simulate the mobile side generating its own P-256 key pair and
	// performing the same ECDH to arrive at the identical shared secret;
	// here we just reuse the agent's own keypair-generation path for a
	// second party.
	mobileSess, err := m.InitiatePairing("mobile-side", time.Minute)
	if err != nil {
		t.Fatalf("generate mobile key: %v", err)
	}
	mobilePubB64 := encodePub(t, mobileSess)

	sess, err = m.ProcessMobileKey(sess.ID, mobilePubB64, "device-123")
	if err != nil {
		t.Fatalf("ProcessMobileKey: %v", err)
	}
	if sess.State != StateAwaitingVerification {
		t.Fatalf("expected AWAITING_VERIFICATION, got %v", sess.State)
	}
	if len(sess.VerificationCode) != 6 {
		t.Fatalf("expected 6-digit code, got %q", sess.VerificationCode)
	}

	// Deterministic: re-deriving from the same shared secret gives the
	// same code.
	code2 := DeriveVerificationCode(sess.sharedSecretForTest())
	if code2 != sess.VerificationCode {
		t.Fatalf("verification code not deterministic: %q vs %q", code2, sess.VerificationCode)
	}

	device, err := m.ConfirmVerification(sess.ID, "", true)
	if err != nil {
		t.Fatalf("ConfirmVerification: %v", err)
	}
	if device.Status != DeviceTrusted {
		t.Fatalf("expected TRUSTED, got %v", device.Status)
	}

	if !m.IsDevicePaired("device-123", device.PublicKey) {
		t.Fatal("expected device to be paired after confirmation")
	}

	if err := m.RevokeDevice("device-123"); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	if m.IsDevicePaired("device-123", device.PublicKey) {
		t.Fatal("expected device to no longer be paired after revocation")
	}
}

// sharedSecretForTest exposes the unexported shared secret for
// determinism assertions within this package's own test file.
func (s *Session) sharedSecretForTest() []byte {
	return s.sharedSecret
}

func encodePub(t *testing.T, s *Session) string {
	t.Helper()
	return pubKeyB64(s)
}

func TestSessionExpiry(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	m := NewManager(store, func() time.Time { return now })

	sess, _ := m.InitiatePairing("dev", time.Millisecond)
	now = now.Add(10 * time.Millisecond)

	if _, err := m.ProcessMobileKey(sess.ID, "AA==", "dev-1"); err != ErrSessionExpired {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestUserRejectionRecordsFailure(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	m := NewManager(store, func() time.Time { return now })

	sess, _ := m.InitiatePairing("dev", time.Minute)
	mobile, _ := m.InitiatePairing("mobile", time.Minute)
	sess, err := m.ProcessMobileKey(sess.ID, pubKeyB64(mobile), "dev-1")
	if err != nil {
		t.Fatalf("ProcessMobileKey: %v", err)
	}

	if _, err := m.ConfirmVerification(sess.ID, "", false); err != ErrUserRejected {
		t.Fatalf("expected ErrUserRejected, got %v", err)
	}

	device, ok := store.Get("dev-1")
	if !ok {
		t.Fatal("expected a device record persisted after rejection")
	}
	if device.Status != DeviceRevoked {
		t.Fatalf("expected REVOKED after rejection, got %v", device.Status)
	}
}

func TestVerificationCodeMismatchFails(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	m := NewManager(store, func() time.Time { return now })

	sess, _ := m.InitiatePairing("dev", time.Minute)
	mobile, _ := m.InitiatePairing("mobile", time.Minute)
	sess, err := m.ProcessMobileKey(sess.ID, pubKeyB64(mobile), "dev-2")
	if err != nil {
		t.Fatalf("ProcessMobileKey: %v", err)
	}

	if _, err := m.ConfirmVerification(sess.ID, "000000", true); err != ErrVerificationFailed {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}

	// The session is now cancelled; a later confirm attempt sees
	// INVALID_STATE rather than re-running the code check.
	if _, err := m.ConfirmVerification(sess.ID, "", true); err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState after cancellation, got %v", err)
	}
}

func TestProcessMobileKeyPersistsPendingDevice(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	m := NewManager(store, func() time.Time { return now })

	sess, _ := m.InitiatePairing("dev", time.Minute)
	mobile, _ := m.InitiatePairing("mobile", time.Minute)
	if _, err := m.ProcessMobileKey(sess.ID, pubKeyB64(mobile), "dev-3"); err != nil {
		t.Fatalf("ProcessMobileKey: %v", err)
	}

	device, ok := store.Get("dev-3")
	if !ok {
		t.Fatal("expected a PENDING device record persisted after ProcessMobileKey")
	}
	if device.Status != DevicePending {
		t.Fatalf("expected PENDING, got %v", device.Status)
	}
}

func TestPersistedDeviceStoreSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paired_devices.json")
	store := NewDeviceStore(path)

	if err := store.Upsert(PairedDevice{DeviceID: "d1", Status: DeviceTrusted}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store file: %v", err)
	}
	if !contains(string(data), `"version": 1`) {
		t.Fatalf("expected version:1 in persisted file, got %s", data)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
