package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return tok
}

type countingRefresher struct {
	calls  int
	tokens []string
	err    error
}

func (c *countingRefresher) Refresh(_ context.Context) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if len(c.tokens) == 0 {
		return "", nil
	}
	tok := c.tokens[0]
	c.tokens = c.tokens[1:]
	return tok, nil
}

func TestToken_OpaqueTokenNeverExpires(t *testing.T) {
	s := NewSession("opaque-token", nil)
	got, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got != "opaque-token" {
		t.Errorf("Token = %q, want opaque-token", got)
	}
	if !s.Expiry().IsZero() {
		t.Errorf("Expiry = %v, want zero", s.Expiry())
	}
}

func TestToken_JWTClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signedToken(t, jwt.MapClaims{
		"sub":  "tech-42",
		"name": "Alex Meter",
		"exp":  exp.Unix(),
	})

	s := NewSession(tok, nil)
	if !s.Expiry().Equal(exp) {
		t.Errorf("Expiry = %v, want %v", s.Expiry(), exp)
	}
	id := s.Identity()
	if id.ID != "tech-42" || id.Name != "Alex Meter" {
		t.Errorf("Identity = %+v", id)
	}
	if _, err := s.Token(context.Background()); err != nil {
		t.Errorf("Token: %v", err)
	}
}

func TestToken_JWTWithoutExpLastsOneHour(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"sub": "tech-1"})
	s := NewSession(tok, nil)

	want := time.Now().Add(time.Hour)
	if d := s.Expiry().Sub(want); d < -time.Minute || d > time.Minute {
		t.Errorf("Expiry = %v, want about %v", s.Expiry(), want)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Token after default lifetime err = %v, want ErrUnauthenticated", err)
	}
}

func TestAcquire_ReportsRefresh(t *testing.T) {
	fresh := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	r := &countingRefresher{tokens: []string{fresh}}
	s := NewSession("", r)
	ctx := context.Background()

	if _, refreshed, err := s.Acquire(ctx); err != nil || !refreshed {
		t.Fatalf("first Acquire = refreshed %v, err %v; want refreshed", refreshed, err)
	}
	if _, refreshed, err := s.Acquire(ctx); err != nil || refreshed {
		t.Errorf("second Acquire = refreshed %v, err %v; want cached", refreshed, err)
	}
}

func TestToken_MissingWithoutRefresher(t *testing.T) {
	s := NewSession("", nil)
	_, err := s.Token(context.Background())
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestToken_ExpiredRefreshesOnce(t *testing.T) {
	expired := signedToken(t, jwt.MapClaims{"sub": "a", "exp": time.Now().Add(-time.Minute).Unix()})
	fresh := signedToken(t, jwt.MapClaims{"sub": "b", "exp": time.Now().Add(time.Hour).Unix()})
	ref := &countingRefresher{tokens: []string{fresh}}

	s := NewSession(expired, ref)
	got, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got != fresh {
		t.Error("Token did not return the refreshed token")
	}
	if ref.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", ref.calls)
	}

	// Valid now: no further refresh.
	if _, err := s.Token(context.Background()); err != nil {
		t.Fatalf("second Token: %v", err)
	}
	if ref.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", ref.calls)
	}
	if s.Identity().ID != "b" {
		t.Errorf("Identity.ID = %q, want b", s.Identity().ID)
	}
}

func TestToken_WithinSkewCountsAsExpired(t *testing.T) {
	nearly := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(10 * time.Second).Unix()})
	ref := &countingRefresher{err: errors.New("offline")}

	s := NewSession(nearly, ref)
	_, err := s.Token(context.Background())
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if ref.calls != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", ref.calls)
	}
}

func TestToken_RefreshReturnsExpiredToken(t *testing.T) {
	stale := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})
	ref := &countingRefresher{tokens: []string{stale}}

	s := NewSession("", ref)
	_, err := s.Token(context.Background())
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if ref.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", ref.calls)
	}
}

func TestRefresh_Forced(t *testing.T) {
	ref := &countingRefresher{tokens: []string{"second"}}
	s := NewSession("first", ref)

	got, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got != "second" {
		t.Errorf("Refresh = %q, want second", got)
	}
}

func TestRefresh_EmptyToken(t *testing.T) {
	s := NewSession("first", &countingRefresher{})
	if _, err := s.Refresh(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestClear(t *testing.T) {
	s := NewSession("tok", nil)
	s.Clear()
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestFileRefresher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewSession("", FileRefresher{Path: path})
	got, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got != "from-file" {
		t.Errorf("Token = %q, want from-file", got)
	}

	_, err = FileRefresher{Path: filepath.Join(t.TempDir(), "missing")}.Refresh(context.Background())
	if err == nil {
		t.Error("expected error for missing token file")
	}
}
