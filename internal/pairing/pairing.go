// Package pairing implements first-time device pairing: a P-256 ECDH
// handshake with a human-verified 6-digit short code, rate limiting with
// exponential backoff, and a persisted trusted-device set.
package pairing

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terminox/agent/internal/audit"
)

// State is a PairingSession's lifecycle state.
type State int

const (
	StateAwaitingMobileKey State = iota
	StateAwaitingVerification
	StateCompleted
	StateCancelled
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAwaitingMobileKey:
		return "AWAITING_MOBILE_KEY"
	case StateAwaitingVerification:
		return "AWAITING_VERIFICATION"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Errors returned by pairing operations.
var (
	ErrSessionExpired     = errors.New("pairing: SESSION_EXPIRED")
	ErrInvalidState       = errors.New("pairing: INVALID_STATE")
	ErrUserRejected       = errors.New("pairing: USER_REJECTED")
	ErrVerificationFailed = errors.New("pairing: VERIFICATION_FAILED")
	ErrInvalidKey         = errors.New("pairing: INVALID_KEY")
	ErrAlreadyPaired      = errors.New("pairing: ALREADY_PAIRED")
	ErrDeviceNotFound     = errors.New("pairing: DEVICE_NOT_FOUND")
	ErrDeviceRevoked      = errors.New("pairing: DEVICE_REVOKED")
	ErrCryptoError        = errors.New("pairing: CRYPTO_ERROR")
)

// RateLimitedError carries the retryAfterSeconds a client should wait
// before trying again.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("pairing: RATE_LIMITED, retry after %ds", e.RetryAfterSeconds)
}

// Session is one in-flight pairing handshake, agent-side.
type Session struct {
	ID               string
	DeviceName       string
	privateKey       *ecdh.PrivateKey
	AgentPublicKey   *ecdh.PublicKey
	AgentFingerprint string

	MobilePublicKey   *ecdh.PublicKey
	MobileDeviceID    string
	MobileFingerprint string

	sharedSecret     []byte
	SessionKey       []byte
	VerificationCode string

	State     State
	ExpiresAt time.Time
}

// pubKeyB64 base64-encodes a session's agent public key, the same wire
// shape a mobile peer would send back for the other side of the
// exchange.
func pubKeyB64(s *Session) string {
	return base64.StdEncoding.EncodeToString(s.AgentPublicKey.Bytes())
}

// fingerprint computes "SHA256:" + base64(SHA-256(pubKeyBytes)).
func fingerprint(pub *ecdh.PublicKey) string {
	sum := sha256.Sum256(pub.Bytes())
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
}

// Manager tracks in-flight pairing sessions and the rate limiter guarding
// verification attempts.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	limiter  *RateLimiter
	store    *DeviceStore
	nowFunc  func() time.Time

	// Audit, if set, receives a record of every pairing lifecycle event.
	// Nil disables audit logging.
	Audit audit.Logger

	// DefaultTimeout is used by RegisterRoutes' initiate handler when the
	// caller doesn't specify one.
	DefaultTimeout time.Duration
}

// NewManager creates a Manager backed by store for persisted trusted
// devices. nowFunc supplies the clock; pass nil for time.Now.
func NewManager(store *DeviceStore, nowFunc func() time.Time) *Manager {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Manager{
		sessions:       make(map[string]*Session),
		limiter:        NewRateLimiter(nowFunc),
		store:          store,
		nowFunc:        nowFunc,
		DefaultTimeout: 5 * time.Minute,
	}
}

// InitiatePairing generates a P-256 ECDH key pair and a new pairing
// session in AWAITING_MOBILE_KEY, scheduled to expire after timeout.
func (m *Manager) InitiatePairing(deviceName string, timeout time.Duration) (*Session, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key pair: %v", ErrCryptoError, err)
	}

	sess := &Session{
		ID:               uuid.New().String(),
		DeviceName:       deviceName,
		privateKey:       priv,
		AgentPublicKey:   priv.PublicKey(),
		AgentFingerprint: fingerprint(priv.PublicKey()),
		State:            StateAwaitingMobileKey,
		ExpiresAt:        m.nowFunc().Add(timeout),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	if m.Audit != nil {
		audit.LogPairingInitiated(m.Audit, sess.ID, deviceName)
	}

	return sess, nil
}

func (m *Manager) getLiveSession(sessionID string) (*Session, error) {
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrInvalidState
	}
	if m.nowFunc().After(sess.ExpiresAt) {
		sess.State = StateExpired
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// ProcessMobileKey completes the ECDH exchange: decodes the mobile
// device's P-256 public key, derives the session key and 6-digit
// verification code, and transitions the session to
// AWAITING_VERIFICATION.
func (m *Manager) ProcessMobileKey(sessionID string, mobilePubKeyB64 string, mobileDeviceID string) (*Session, error) {
	if wait, ok := m.limiter.CheckAllowed(mobileDeviceID); !ok {
		return nil, &RateLimitedError{RetryAfterSeconds: wait}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.getLiveSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != StateAwaitingMobileKey {
		return nil, ErrInvalidState
	}

	pubBytes, err := base64.StdEncoding.DecodeString(mobilePubKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode mobile public key: %v", ErrInvalidKey, err)
	}
	mobilePub, err := ecdh.P256().NewPublicKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse mobile public key: %v", ErrInvalidKey, err)
	}

	shared, err := sess.privateKey.ECDH(mobilePub)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrCryptoError, err)
	}

	sessionKey := DeriveSessionKey(shared)
	code := DeriveVerificationCode(shared)

	sess.MobilePublicKey = mobilePub
	sess.MobileDeviceID = mobileDeviceID
	sess.MobileFingerprint = fingerprint(mobilePub)
	sess.sharedSecret = shared
	sess.SessionKey = sessionKey
	sess.VerificationCode = code
	sess.State = StateAwaitingVerification

	pending := PairedDevice{
		DeviceID:    mobileDeviceID,
		DeviceName:  sess.DeviceName,
		Fingerprint: sess.MobileFingerprint,
		PublicKey:   base64.StdEncoding.EncodeToString(mobilePub.Bytes()),
		Status:      DevicePending,
		LastSeenAt:  m.nowFunc(),
	}
	m.mu.Unlock()

	if err := m.store.Upsert(pending); err != nil {
		return nil, fmt.Errorf("pairing: persist pending device: %w", err)
	}

	return sess, nil
}

// ConfirmVerification finalizes (or rejects) a pairing session. code, if
// non-empty, is the verification code the caller read back from its own
// side of the exchange and is checked against the session's derived code
// before confirmed is consulted; a mismatch fails the session regardless
// of confirmed. Pass an empty code when the comparison already happened
// by a human eye (the operator CLI's side-by-side display).
func (m *Manager) ConfirmVerification(sessionID string, code string, confirmed bool) (*PairedDevice, error) {
	m.mu.Lock()
	sess, err := m.getLiveSession(sessionID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if sess.State != StateAwaitingVerification {
		m.mu.Unlock()
		return nil, ErrInvalidState
	}

	if code != "" && code != sess.VerificationCode {
		sess.State = StateCancelled
		deviceID := sess.MobileDeviceID
		m.mu.Unlock()
		m.limiter.RecordFailure(deviceID)
		if m.Audit != nil {
			audit.LogPairingRejected(m.Audit, sessionID)
		}
		return nil, ErrVerificationFailed
	}

	if !confirmed {
		sess.State = StateCancelled
		device := PairedDevice{
			DeviceID:    sess.MobileDeviceID,
			DeviceName:  sess.DeviceName,
			Fingerprint: sess.MobileFingerprint,
			PublicKey:   base64.StdEncoding.EncodeToString(sess.MobilePublicKey.Bytes()),
			Status:      DeviceRevoked,
			LastSeenAt:  m.nowFunc(),
		}
		deviceID := sess.MobileDeviceID
		m.mu.Unlock()
		m.limiter.RecordFailure(deviceID)
		if err := m.store.Upsert(device); err != nil {
			return nil, fmt.Errorf("pairing: persist rejected device: %w", err)
		}
		if m.Audit != nil {
			audit.LogPairingRejected(m.Audit, sessionID)
		}
		return nil, ErrUserRejected
	}

	device := PairedDevice{
		DeviceID:    sess.MobileDeviceID,
		DeviceName:  sess.DeviceName,
		Fingerprint: sess.MobileFingerprint,
		PublicKey:   base64.StdEncoding.EncodeToString(sess.MobilePublicKey.Bytes()),
		Status:      DeviceTrusted,
		PairedAt:    m.nowFunc(),
		LastSeenAt:  m.nowFunc(),
	}

	// Shared secret is discarded once the session key has served its
	// purpose; nothing past this point needs it.
	sess.sharedSecret = nil
	sess.State = StateCompleted
	deviceID := sess.MobileDeviceID
	m.mu.Unlock()

	m.limiter.Clear(deviceID)

	if err := m.store.Upsert(device); err != nil {
		return nil, fmt.Errorf("pairing: persist device: %w", err)
	}

	if m.Audit != nil {
		audit.LogPairingConfirmed(m.Audit, sessionID, device.DeviceID)
	}

	return &device, nil
}

// CancelPairing marks a session CANCELLED regardless of its current
// state, for explicit client-initiated abort.
func (m *Manager) CancelPairing(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.State = StateCancelled
	}
}

// IsDevicePaired reports whether deviceID is TRUSTED and its stored
// public key matches mobilePubKeyB64.
func (m *Manager) IsDevicePaired(deviceID string, mobilePubKeyB64 string) bool {
	d, ok := m.store.Get(deviceID)
	if !ok {
		return false
	}
	return d.Status == DeviceTrusted && d.PublicKey == mobilePubKeyB64
}

// ExpireStaleDevices marks TRUSTED or PENDING devices EXPIRED once
// they've gone unseen for longer than maxAge. Intended as a periodic or
// startup sweep; it does not run automatically.
func (m *Manager) ExpireStaleDevices(maxAge time.Duration) (int, error) {
	n, err := m.store.ExpireStale(maxAge, m.nowFunc())
	if err != nil {
		return 0, err
	}
	if n > 0 && m.Audit != nil {
		audit.LogDevicesExpired(m.Audit, n)
	}
	return n, nil
}

// RevokeDevice soft-deletes a paired device.
func (m *Manager) RevokeDevice(deviceID string) error {
	if err := m.store.Revoke(deviceID); err != nil {
		return err
	}
	if m.Audit != nil {
		audit.LogPairingRevoked(m.Audit, deviceID)
	}
	return nil
}

// DeriveSessionKey computes sessionKey = SHA-256("terminox-session-key" || sharedSecret).
func DeriveSessionKey(sharedSecret []byte) []byte {
	h := sha256.New()
	h.Write([]byte("terminox-session-key"))
	h.Write(sharedSecret)
	sum := h.Sum(nil)
	return sum
}

// DeriveVerificationCode computes a deterministic 6-digit code:
// h = SHA-256("terminox-verification" || sharedSecret), v = be_u32(h[0:4]),
// code = v mod 1_000_000 formatted with leading zeros.
func DeriveVerificationCode(sharedSecret []byte) string {
	h := sha256.New()
	h.Write([]byte("terminox-verification"))
	h.Write(sharedSecret)
	sum := h.Sum(nil)
	v := binary.BigEndian.Uint32(sum[0:4])
	code := v % 1_000_000
	return fmt.Sprintf("%06d", code)
}
