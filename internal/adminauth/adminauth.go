// Package adminauth issues and verifies the JWT bearer token that gates
// the read-only spectator surface's operator-only routes, grounded on
// the teacher's auth.Service.Login (same HS256-signed jwt.MapClaims
// shape). Issue itself checks no password before minting a token. Unlike
// the teacher, imcsd's wire protocol has no HTTP requests to carry a
// bearer token, so this package has nothing to do with the `me`/`stop`
// commands: it exists purely to protect internal/spectate's
// operator-facing HTTP routes.
package adminauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL matches the teacher's 24-hour session token lifetime.
const tokenTTL = 24 * time.Hour

// ErrInvalidToken is returned by Verify for any token that fails to
// parse, fails signature verification, has expired, or is missing the
// admin claim.
var ErrInvalidToken = errors.New("adminauth: invalid or expired token")

// Issuer signs and verifies admin bearer tokens with a shared secret.
// A token stays valid until its expiry for any Issuer built with the same
// secret and admin name, including one in a later process.
type Issuer struct {
	secret []byte
	admin  string
}

// New builds an Issuer scoped to a single admin account name, signing
// with secret (SPEC_FULL.md wires this to config.Config.JWTSecret).
func New(secret, adminName string) *Issuer {
	return &Issuer{secret: []byte(secret), admin: adminName}
}

// Issue mints a bearer token for the admin account, valid for tokenTTL.
func (i *Issuer) Issue() (string, error) {
	claims := jwt.MapClaims{
		"admin": i.admin,
		"exp":   time.Now().Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify checks a bearer token's signature, expiry, and admin claim.
func (i *Issuer) Verify(bearer string) error {
	token, err := jwt.Parse(bearer, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}
	name, _ := claims["admin"].(string)
	if name != i.admin {
		return ErrInvalidToken
	}
	return nil
}
