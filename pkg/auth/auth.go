// Package auth issues and resolves the tokens that clients use to authorize
// their sync connections.
//
// Tokens are signed JWTs whose IDs are recorded in a table when they're
// generated. Resolving a token removes its ID from the table, so each token
// can only be used once, and IDs that are never resolved are forgotten once
// the token expires.
package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/deltasync/pkg/errors"
)

// DefaultTTL is how long a token is valid for if no TTL is configured.
const DefaultTTL = 5 * time.Minute

const issuer = "deltasync"

var (
	// ErrInvalidToken is returned when a token can't be resolved to a user.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMalformedToken is returned when a token can't be parsed at all.
	ErrMalformedToken = errors.New("malformed token")
)

// TokenTable tracks the tokens that haven't been used yet.
type TokenTable struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock

	mutex   sync.Mutex
	pending map[string]time.Time
}

// NewTokenTable creates a table that signs tokens with `secret`.
func NewTokenTable(secret []byte, ttl time.Duration, clock clockwork.Clock) (*TokenTable, error) {
	if len(secret) == 0 {
		return nil, errors.MissingFieldError{Field: "secret"}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenTable{
		secret:  secret,
		ttl:     ttl,
		clock:   clock,
		pending: map[string]time.Time{},
	}, nil
}

// GenerateToken returns a new token for `username`.
func (t *TokenTable) GenerateToken(username string) (string, error) {
	if username == "" {
		return "", errors.MissingFieldError{Field: "username"}
	}

	now := t.clock.Now()
	expires := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Issuer:    issuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", errors.WithContext(err, "sign")
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.expire(now)
	t.pending[claims.ID] = expires
	return token, nil
}

// ResolveToken returns the user that `token` was generated for, and
// invalidates the token.
func (t *TokenTable) ResolveToken(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.clock.Now))
	if err != nil {
		log.WithError(err).Debug("Rejected token")
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return "", ErrMalformedToken
		}
		return "", ErrInvalidToken
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.expire(t.clock.Now())
	if _, ok := t.pending[claims.ID]; !ok {
		log.WithField("subject", claims.Subject).Debug("Rejected reused token")
		return "", ErrInvalidToken
	}
	delete(t.pending, claims.ID)

	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Pending returns the number of tokens that are still valid.
func (t *TokenTable) Pending() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.expire(t.clock.Now())
	return len(t.pending)
}

// expire must be called with the mutex held.
func (t *TokenTable) expire(now time.Time) {
	for id, expires := range t.pending {
		if !now.Before(expires) {
			delete(t.pending, id)
		}
	}
}
