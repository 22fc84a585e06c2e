// Package identity provides the current user of a sync session.
package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/syncerr"
)

const issuer = "dmsync"

// ErrUnauthenticated is returned when there is no valid session.
var ErrUnauthenticated = syncerr.E(syncerr.Unauthenticated, "identity", errors.New("no session"))

// Provider yields the id of the signed-in user.
type Provider interface {
	CurrentUserID() (string, error)
}

// Claims are the session token claims.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 session token for userID valid for ttl.
func IssueToken(userID, secret string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("issue token: empty user id")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Session holds the current session token and validates it on every call,
// so an expired token turns into ErrUnauthenticated without a logout.
type Session struct {
	mu     sync.RWMutex
	token  string
	secret []byte
	bus    *bus.Bus
	now    func() time.Time
}

// NewSession creates a signed-out session verifying tokens with secret.
func NewSession(secret string, b *bus.Bus) *Session {
	return &Session{secret: []byte(secret), bus: b, now: time.Now}
}

func (s *Session) parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, syncerr.E(syncerr.Unauthenticated, "identity", err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// Login validates token and makes it the current session.
func (s *Session) Login(token string) (string, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindSessionLoggedIn,
			Timestamp: time.Now(),
			Payload:   claims.UserID,
		})
	}
	return claims.UserID, nil
}

// Logout drops the current session. It is a no-op when signed out.
func (s *Session) Logout() {
	s.mu.Lock()
	had := s.token != ""
	s.token = ""
	s.mu.Unlock()

	if had && s.bus != nil {
		s.bus.Publish(bus.Event{Kind: bus.KindSessionLogout, Timestamp: time.Now()})
	}
}

// CurrentUserID implements Provider.
func (s *Session) CurrentUserID() (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return "", ErrUnauthenticated
	}
	claims, err := s.parse(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// Static is a Provider with a fixed user.
type Static string

// CurrentUserID implements Provider.
func (u Static) CurrentUserID() (string, error) {
	if u == "" {
		return "", ErrUnauthenticated
	}
	return string(u), nil
}
