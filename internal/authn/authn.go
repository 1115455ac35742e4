// Package authn implements the Connection Handler's three configurable
// authentication methods: NONE, TOKEN (opaque bearer compare or, when a
// signing key is configured, ES256 JWTs), and CERTIFICATE (mTLS trust at
// the transport layer).
package authn

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/terminox/agent/internal/logger"
)

// Method is a connection's configured authentication method.
type Method string

const (
	MethodNone        Method = "NONE"
	MethodToken       Method = "TOKEN"
	MethodCertificate Method = "CERTIFICATE"
)

const maxTokenLength = 4096

// Errors surfaced to the Connection Handler as protocol Error frames.
var (
	ErrAuthRequired  = errors.New("authn: AUTH_REQUIRED")
	ErrNotAuthorized = errors.New("authn: NOT_AUTHORIZED")
	ErrTokenTooLong  = errors.New("authn: token exceeds maximum length")
	ErrLockedOut     = errors.New("authn: connection locked out after repeated auth failures")
)

// Config configures an Authenticator.
type Config struct {
	Method Method

	// StaticToken is the opaque bearer token compared with constant-time
	// equality, used when JWTPublicKey is nil.
	StaticToken string

	// JWTPublicKey, when set, switches TOKEN authentication to verifying
	// ES256-signed JWTs (see IssueConnectionToken for minting them)
	// instead of a static opaque token.
	JWTPublicKey *ecdsa.PublicKey

	MaxAuthFailures    int
	AuthLockoutMinutes int
}

const (
	defaultMaxAuthFailures    = 5
	defaultAuthLockoutMinutes = 15
)

type failureState struct {
	failures    int
	lockedUntil time.Time
}

// Authenticator tracks per-connection auth failure counts and applies
// the configured Method to incoming credentials.
type Authenticator struct {
	mu       sync.Mutex
	cfg      Config
	failures map[string]*failureState
	nowFunc  func() time.Time
	warned   bool
}

// New creates an Authenticator. nowFunc supplies the clock; pass nil for
// time.Now.
func New(cfg Config, nowFunc func() time.Time) *Authenticator {
	if cfg.MaxAuthFailures <= 0 {
		cfg.MaxAuthFailures = defaultMaxAuthFailures
	}
	if cfg.AuthLockoutMinutes <= 0 {
		cfg.AuthLockoutMinutes = defaultAuthLockoutMinutes
	}
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Authenticator{
		cfg:      cfg,
		failures: make(map[string]*failureState),
		nowFunc:  nowFunc,
	}
}

// Authenticate validates presentedToken (for TOKEN) or tlsState (for
// CERTIFICATE) against the configured method, tracking failures per
// connectionID and enforcing lockout.
func (a *Authenticator) Authenticate(connectionID, presentedToken string, tlsState *tls.ConnectionState) error {
	switch a.cfg.Method {
	case MethodNone, "":
		a.logNoneWarningOnce()
		return nil

	case MethodToken:
		return a.authenticateToken(connectionID, presentedToken)

	case MethodCertificate:
		if tlsState == nil || len(tlsState.PeerCertificates) == 0 {
			return ErrNotAuthorized
		}
		// Reaching the message layer over an mTLS-enforced transport
		// means the certificate has already been validated by the TLS
		// handshake; the connection is trusted from here.
		return nil

	default:
		return fmt.Errorf("authn: unknown method %q", a.cfg.Method)
	}
}

func (a *Authenticator) logNoneWarningOnce() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.warned {
		return
	}
	a.warned = true
	logger.Log.Warn("authentication disabled, all operations are permitted", "method", MethodNone)
}

func (a *Authenticator) authenticateToken(connectionID, presentedToken string) error {
	if presentedToken == "" {
		return ErrAuthRequired
	}
	if len(presentedToken) > maxTokenLength {
		return ErrTokenTooLong
	}

	a.mu.Lock()
	st, ok := a.failures[connectionID]
	if !ok {
		st = &failureState{}
		a.failures[connectionID] = st
	}
	if a.nowFunc().Before(st.lockedUntil) {
		a.mu.Unlock()
		return ErrLockedOut
	}
	a.mu.Unlock()

	var valid bool
	if a.cfg.JWTPublicKey != nil {
		valid = validateJWT(a.cfg.JWTPublicKey, presentedToken) == nil
	} else {
		valid = subtle.ConstantTimeCompare([]byte(presentedToken), []byte(a.cfg.StaticToken)) == 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if valid {
		delete(a.failures, connectionID)
		return nil
	}

	st.failures++
	if st.failures >= a.cfg.MaxAuthFailures {
		st.lockedUntil = a.nowFunc().Add(time.Duration(a.cfg.AuthLockoutMinutes) * time.Minute)
	}
	return ErrNotAuthorized
}

// Reset clears failure/lockout state for a connection, called when a
// connection closes.
func (a *Authenticator) Reset(connectionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failures, connectionID)
}
