// Package auth holds the bearer-token session shared by the remote client and
// the asset uploader.
//
// The device never issues or validates tokens itself. A [Session] only tracks
// the current token and its expiry, and asks a [Refresher] for a new one when
// needed. How the refresher obtains it is outside this module.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when no valid token can be obtained.
var ErrUnauthenticated = errors.New("no valid bearer token")

// defaultLifetime applies to JWTs that carry no exp claim.
const defaultLifetime = time.Hour

// expirySkew treats a token as expired slightly before its exp claim so a
// request does not race the deadline.
const expirySkew = 30 * time.Second

// Refresher obtains a fresh bearer token.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Identity is the authenticated technician, used to attribute readings.
type Identity struct {
	ID   string
	Name string
}

// Session is the current bearer token plus its expiry. It is safe for
// concurrent use.
type Session struct {
	mu        sync.Mutex
	token     string
	expiry    time.Time // zero: opaque token, no known expiry
	identity  Identity
	refresher Refresher
	now       func() time.Time
}

// NewSession creates a Session seeded with token (which may be empty). If
// refresher is nil, an expired or missing token cannot be renewed.
func NewSession(token string, refresher Refresher) *Session {
	s := &Session{refresher: refresher, now: time.Now}
	s.set(token)
	return s
}

// Token returns a valid bearer token. A missing or expired token triggers a
// single refresh attempt; if that fails the error wraps [ErrUnauthenticated].
func (s *Session) Token(ctx context.Context) (string, error) {
	tok, _, err := s.Acquire(ctx)
	return tok, err
}

// Acquire is [Session.Token] that also reports whether the token was
// refreshed by this call, so a caller rejected with it does not refresh a
// second time.
func (s *Session) Acquire(ctx context.Context) (token string, refreshed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.validLocked() {
		return s.token, false, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return "", false, err
	}
	if !s.validLocked() {
		return "", false, fmt.Errorf("refreshed token is already expired: %w", ErrUnauthenticated)
	}
	return s.token, true, nil
}

// Refresh forces one refresh, e.g. after the server rejected the current
// token with 401.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	if !s.validLocked() {
		return "", fmt.Errorf("refreshed token is already expired: %w", ErrUnauthenticated)
	}
	return s.token, nil
}

// Identity returns the technician named by the token claims. Opaque tokens
// yield an empty Identity.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Expiry returns the token's expiry, or the zero time if unknown.
func (s *Session) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

// Clear drops the token (sign-out).
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set("")
}

func (s *Session) validLocked() bool {
	if s.token == "" {
		return false
	}
	if s.expiry.IsZero() {
		return true
	}
	return s.now().Add(expirySkew).Before(s.expiry)
}

func (s *Session) refreshLocked(ctx context.Context) error {
	if s.refresher == nil {
		return fmt.Errorf("token missing or expired and no refresher configured: %w", ErrUnauthenticated)
	}
	tok, err := s.refresher.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refreshing token: %w: %w", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(tok) == "" {
		return fmt.Errorf("refresher returned an empty token: %w", ErrUnauthenticated)
	}
	s.set(tok)
	return nil
}

// set installs tok and derives expiry and identity from its claims when it
// is a JWT.
func (s *Session) set(tok string) {
	s.token = strings.TrimSpace(tok)
	s.expiry = time.Time{}
	s.identity = Identity{}
	if s.token == "" {
		return
	}

	claims, ok := parseClaims(s.token)
	if !ok {
		return
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.expiry = exp.Time
	} else {
		s.expiry = s.now().Add(defaultLifetime)
	}
	if sub, err := claims.GetSubject(); err == nil {
		s.identity.ID = sub
	}
	for _, key := range []string{"name", "preferred_username", "email"} {
		if v, ok := claims[key].(string); ok && v != "" {
			s.identity.Name = v
			break
		}
	}
}

// parseClaims decodes the token payload without verifying the signature: the
// device is not the audience, it only needs exp and the subject.
func parseClaims(tok string) (jwt.MapClaims, bool) {
	if strings.Count(tok, ".") != 2 {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// FileRefresher re-reads the token from a file that an external sign-in flow
// keeps current.
type FileRefresher struct {
	Path string
}

// Refresh returns the trimmed file content.
func (f FileRefresher) Refresh(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("reading token file %q: %w", f.Path, err)
	}
	return strings.TrimSpace(string(b)), nil
}
