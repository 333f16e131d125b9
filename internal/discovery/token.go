package discovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of a heartbeat token.
const DefaultTokenTTL = time.Minute

const tokenIssuer = "chainmail-node"

// ErrInvalidToken is returned when a heartbeat token fails verification.
var ErrInvalidToken = errors.New("invalid heartbeat token")

// HeartbeatClaims are the JWT claims carried by an authenticated heartbeat.
type HeartbeatClaims struct {
	jwt.RegisteredClaims
	NodeURL string `json:"node_url"`
}

// TokenIssuer issues and verifies HS256 heartbeat tokens from a secret
// shared by the nodes and the directory.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. ttl defaults to DefaultTokenTTL.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for nodeURL.
func (t *TokenIssuer) Issue(nodeURL string) (string, error) {
	now := time.Now().UTC()
	claims := HeartbeatClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   nodeURL,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		NodeURL: nodeURL,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign heartbeat token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenStr and returns its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*HeartbeatClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&HeartbeatClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*HeartbeatClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
