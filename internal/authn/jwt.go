package authn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ConnectionClaims are the JWT claims for a TOKEN-authenticated
// connection.
type ConnectionClaims struct {
	jwt.RegisteredClaims
	ConnectionID string `json:"cid,omitempty"`
}

// GenerateSigningKey creates a new P-256 signing key for issuing
// connection JWTs.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("authn: generate signing key: %w", err)
	}
	return key, nil
}

// IssueConnectionToken mints an ES256-signed JWT authorizing
// connectionID until ttl elapses.
func IssueConnectionToken(key *ecdsa.PrivateKey, connectionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ConnectionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   connectionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ConnectionID: connectionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("authn: sign connection token: %w", err)
	}
	return signed, nil
}

// validateJWT verifies an ES256 connection token against pub.
func validateJWT(pub *ecdsa.PublicKey, tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &ConnectionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return fmt.Errorf("authn: parse connection token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("authn: invalid connection token")
	}
	return nil
}
