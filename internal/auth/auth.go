package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when no credential has been stored.
	ErrNoToken = errors.New("auth: no token stored")
	// ErrExpired is returned when the stored token's exp claim has passed.
	ErrExpired = errors.New("auth: token expired")
)

// Claims is the subset of the bearer token the client cares about. The
// token is issued and verified by the backend; the client only reads it.
type Claims struct {
	Subject   string
	ScholarID string
	ExpiresAt time.Time // zero when the token carries no exp
}

// Inspect decodes a JWT without verifying its signature. The scholar id
// is taken from a "scholar_id" claim and falls back to "sub".
func Inspect(token string) (Claims, error) {
	var out Claims
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return out, fmt.Errorf("auth: parse token: %w", err)
	}

	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}

	switch v := claims["scholar_id"].(type) {
	case string:
		out.ScholarID = v
	case float64:
		out.ScholarID = fmt.Sprintf("%.0f", v)
	}
	if out.ScholarID == "" {
		out.ScholarID = out.Subject
	}
	return out, nil
}

// Store keeps the bearer token on disk with 0600 permissions.
type Store struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	token string
}

// NewStore returns a Store backed by path. An empty path keeps the token
// in memory only.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Token implements api.TokenSource. Expired tokens are rejected so that
// requests fail before reaching the network.
func (s *Store) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" && s.path != "" {
		data, err := os.ReadFile(s.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", ErrNoToken
			}
			return "", err
		}
		s.token = strings.TrimSpace(string(data))
	}
	if s.token == "" {
		return "", ErrNoToken
	}

	if c, err := Inspect(s.token); err == nil && !c.ExpiresAt.IsZero() && s.now().After(c.ExpiresAt) {
		return "", ErrExpired
	}
	return s.token, nil
}

// Set replaces the stored token and writes it to disk.
func (s *Store) Set(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("auth: empty token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" {
		if err := writeFileAtomic(s.path, []byte(token+"\n")); err != nil {
			return err
		}
	}
	s.token = token
	return nil
}

// Clear forgets the token, removing the file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ScholarID returns the scholar id carried by the stored token.
func (s *Store) ScholarID() (string, error) {
	tok, err := s.Token()
	if err != nil {
		return "", err
	}
	c, err := Inspect(tok)
	if err != nil {
		return "", err
	}
	if c.ScholarID == "" {
		return "", errors.New("auth: token has no scholar id")
	}
	return c.ScholarID, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".rstrack-token-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
