// Package session holds the node's bearer credential and its lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agsys/irrigation-node/internal/clock"
	"github.com/agsys/irrigation-node/internal/logger"
)

// ErrAuth is returned when the authentication exchange fails.
var ErrAuth = errors.New("authentication failed")

// State of the session.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unauthenticated"
	}
}

// Authenticator exchanges the device identity for a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, deviceID, firmwareVersion string) (string, error)
}

// Session is owned by the sync cycle. Its methods are safe for concurrent
// use so the executor's completion reports can read the credential.
type Session struct {
	deviceID        string
	firmwareVersion string
	auth            Authenticator
	clock           clock.Clock
	log             *logger.Logger

	mu         sync.Mutex
	state      State
	credential string
	expiresAt  time.Time // zero when the token carries no exp
}

// New creates an unauthenticated session.
func New(deviceID, firmwareVersion string, auth Authenticator, clk clock.Clock, log *logger.Logger) *Session {
	return &Session{
		deviceID:        deviceID,
		firmwareVersion: firmwareVersion,
		auth:            auth,
		clock:           clk,
		log:             log,
	}
}

// Authenticate performs one exchange. On failure the session is left
// Unauthenticated and the returned error wraps ErrAuth.
func (s *Session) Authenticate(ctx context.Context) error {
	token, err := s.auth.Authenticate(ctx, s.deviceID, s.firmwareVersion)
	if err == nil && token == "" {
		err = errors.New("empty token")
	}
	if err != nil {
		s.mu.Lock()
		s.state = Unauthenticated
		s.credential = ""
		s.expiresAt = time.Time{}
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	exp := tokenExpiry(token)

	s.mu.Lock()
	s.state = Authenticated
	s.credential = token
	s.expiresAt = exp
	s.mu.Unlock()

	if exp.IsZero() {
		s.log.Infow("authenticated", "device", s.deviceID)
	} else {
		s.log.Infow("authenticated", "device", s.deviceID, "expires", exp)
	}
	return nil
}

// EnsureValid authenticates once if the session is not Authenticated.
func (s *Session) EnsureValid(ctx context.Context) error {
	if s.State() == Authenticated {
		return nil
	}
	return s.Authenticate(ctx)
}

// Credential returns the bearer token while the session is Authenticated.
func (s *Session) Credential() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkExpiryLocked()
	if s.state != Authenticated {
		return "", false
	}
	return s.credential, true
}

// Expire marks the credential as rejected by the server.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Authenticated {
		return
	}
	s.state = Expired
	s.credential = ""
	s.log.Infow("session expired", "device", s.deviceID)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkExpiryLocked()
	return s.state
}

// ExpiresAt returns the credential's exp claim, or zero if unknown.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *Session) checkExpiryLocked() {
	if s.state != Authenticated || s.expiresAt.IsZero() {
		return
	}
	if !s.clock.Now().Before(s.expiresAt) {
		s.state = Expired
		s.credential = ""
	}
}

// tokenExpiry reads the exp claim of a JWT without verifying it. The
// server verifies; the node only wants to know when to re-authenticate.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
