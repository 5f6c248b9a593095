package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of issued session-login tokens.
const DefaultTokenTTL = 12 * time.Hour

// SessionClaims identifies the key a session-login token acts as.
type SessionClaims struct {
	KeyID int64 `json:"kid"`
	jwt.RegisteredClaims
}

// TokenCodec issues and verifies HS256 session-login tokens.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenCodec creates a codec. An empty secret disables session tokens.
func NewTokenCodec(secret string, ttl time.Duration) *TokenCodec {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenCodec{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether a signing secret is configured.
func (c *TokenCodec) Enabled() bool {
	return c != nil && len(c.secret) > 0
}

// TTL returns the lifetime of issued tokens.
func (c *TokenCodec) TTL() time.Duration {
	return c.ttl
}

// IsSessionToken reports whether credential is shaped like a session-login token
// rather than a raw API key.
func IsSessionToken(credential string) bool {
	return looksLikeJWT(credential)
}

// Issue signs a token for the given key.
func (c *TokenCodec) Issue(key *Key) (string, error) {
	if !c.Enabled() {
		return "", errors.New("session tokens are disabled")
	}
	now := c.now()
	claims := SessionClaims{
		KeyID: key.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(key.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates the signature and expiry and returns the claims.
func (c *TokenCodec) Verify(raw string) (*SessionClaims, error) {
	if !c.Enabled() {
		return nil, errors.New("session tokens are disabled")
	}
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if claims.KeyID == 0 {
		return nil, errors.New("verify token: missing key id")
	}
	return claims, nil
}

// looksLikeJWT reports whether the credential has the three-segment JWT shape.
func looksLikeJWT(credential string) bool {
	return strings.Count(credential, ".") == 2 && strings.HasPrefix(credential, "eyJ")
}
