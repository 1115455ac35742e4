package authn

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"
)

func TestNoneAlwaysAllows(t *testing.T) {
	a := New(Config{Method: MethodNone}, nil)
	if err := a.Authenticate("conn-1", "", nil); err != nil {
		t.Fatalf("expected NONE to always authenticate, got %v", err)
	}
}

func TestTokenConstantTimeCompare(t *testing.T) {
	a := New(Config{Method: MethodToken, StaticToken: "secret-token"}, nil)

	if err := a.Authenticate("conn-1", "wrong", nil); err != ErrNotAuthorized {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := a.Authenticate("conn-1", "secret-token", nil); err != nil {
		t.Fatalf("expected valid token to authenticate, got %v", err)
	}
}

func TestTokenTooLongRejected(t *testing.T) {
	a := New(Config{Method: MethodToken, StaticToken: "secret"}, nil)
	huge := make([]byte, maxTokenLength+1)
	if err := a.Authenticate("conn-1", string(huge), nil); err != ErrTokenTooLong {
		t.Fatalf("expected ErrTokenTooLong, got %v", err)
	}
}

func TestTokenLockoutAfterMaxFailures(t *testing.T) {
	now := time.Now()
	a := New(Config{Method: MethodToken, StaticToken: "secret", MaxAuthFailures: 3, AuthLockoutMinutes: 10}, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if err := a.Authenticate("conn-1", "wrong", nil); err != ErrNotAuthorized {
			t.Fatalf("attempt %d: expected ErrNotAuthorized, got %v", i, err)
		}
	}
	if err := a.Authenticate("conn-1", "secret", nil); err != ErrLockedOut {
		t.Fatalf("expected ErrLockedOut even with correct token after lockout, got %v", err)
	}

	now = now.Add(11 * time.Minute)
	if err := a.Authenticate("conn-1", "secret", nil); err != nil {
		t.Fatalf("expected lockout to clear after window, got %v", err)
	}
}

func TestSuccessfulAuthClearsFailureCount(t *testing.T) {
	a := New(Config{Method: MethodToken, StaticToken: "secret", MaxAuthFailures: 3}, nil)
	a.Authenticate("conn-1", "wrong", nil)
	a.Authenticate("conn-1", "wrong", nil)
	if err := a.Authenticate("conn-1", "secret", nil); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	// Failure count reset: two more wrong attempts should not trip lockout.
	a.Authenticate("conn-1", "wrong", nil)
	if err := a.Authenticate("conn-1", "wrong", nil); err != ErrNotAuthorized {
		t.Fatalf("expected ErrNotAuthorized (not lockout) after reset, got %v", err)
	}
}

func TestCertificateMethodRequiresPeerCertificate(t *testing.T) {
	a := New(Config{Method: MethodCertificate}, nil)
	if err := a.Authenticate("conn-1", "", nil); err != ErrNotAuthorized {
		t.Fatalf("expected ErrNotAuthorized with no TLS state, got %v", err)
	}
	if err := a.Authenticate("conn-1", "", &tls.ConnectionState{}); err != ErrNotAuthorized {
		t.Fatalf("expected ErrNotAuthorized with no peer certificates, got %v", err)
	}
	state := &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{}}}
	if err := a.Authenticate("conn-1", "", state); err != nil {
		t.Fatalf("expected trusted certificate to authenticate, got %v", err)
	}
}

func TestJWTTokenRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	token, err := IssueConnectionToken(key, "conn-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueConnectionToken: %v", err)
	}

	a := New(Config{Method: MethodToken, JWTPublicKey: &key.PublicKey}, nil)
	if err := a.Authenticate("conn-1", token, nil); err != nil {
		t.Fatalf("expected valid JWT to authenticate, got %v", err)
	}
	if err := a.Authenticate("conn-1", "garbage", nil); err != ErrNotAuthorized {
		t.Fatalf("expected ErrNotAuthorized for garbage token, got %v", err)
	}
}

func TestResetClearsLockoutState(t *testing.T) {
	a := New(Config{Method: MethodToken, StaticToken: "secret", MaxAuthFailures: 1, AuthLockoutMinutes: 60}, nil)
	a.Authenticate("conn-1", "wrong", nil)
	if err := a.Authenticate("conn-1", "secret", nil); err != ErrLockedOut {
		t.Fatalf("expected ErrLockedOut before reset, got %v", err)
	}
	a.Reset("conn-1")
	if err := a.Authenticate("conn-1", "secret", nil); err != nil {
		t.Fatalf("expected successful auth after reset, got %v", err)
	}
}
