// Package credentials keeps the client's account key and bearer token in a
// small YAML file.
package credentials

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
	"happy-sync/internal/auth"
)

var ErrNoCredentials = errors.New("no stored credentials; run login first")

type file struct {
	SecretKey string `yaml:"secret_key"`
	Token     string `yaml:"token,omitempty"`
}

// Authenticator trades a signed challenge for a token.
type Authenticator interface {
	Auth(ctx context.Context, proof auth.Proof) (string, error)
}

// Store is safe for concurrent use. It satisfies the connection manager's
// and push registrar's credential interfaces.
type Store struct {
	path string

	mu    sync.RWMutex
	key   ed25519.PrivateKey
	token string
}

// Open reads path if it exists. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.SecretKey != "" {
		seed, err := base64.StdEncoding.DecodeString(f.SecretKey)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%s: malformed secret_key", path)
		}
		s.key = ed25519.NewKeyFromSeed(seed)
	}
	s.token = f.Token
	return s, nil
}

func (s *Store) HasStoredCredentials() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

func (s *Store) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoCredentials
	}
	return s.token, nil
}

// PublicKey is the base64 account key, or "" before the first login.
func (s *Store) PublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Login signs a fresh challenge, generating the account key on first use,
// and stores the returned token.
func (s *Store) Login(ctx context.Context, a Authenticator) error {
	s.mu.Lock()
	if s.key == nil {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.key = key
	}
	key := s.key
	s.mu.Unlock()

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}
	token, err := a.Auth(ctx, auth.SignChallenge(key, challenge))
	if err != nil {
		// keep the key so the next attempt maps to the same account
		if serr := s.save(); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return s.save()
}

// Logout forgets the token but keeps the account key.
func (s *Store) Logout() error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	s.mu.RLock()
	f := file{Token: s.token}
	if s.key != nil {
		f.SecretKey = base64.StdEncoding.EncodeToString(s.key.Seed())
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
