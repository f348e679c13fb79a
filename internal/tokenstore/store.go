// Package tokenstore is the Token Store (C1): encrypted, at-rest persistence
// of the OAuth2 token bundle used to talk to Microsoft Graph.
//
// The write path uses the same atomic-write discipline as the rest of the
// gateway's on-disk state: write to a temp file in the same directory,
// fsync it, close it, then rename it into place so a crash never leaves a
// half-written tokens.enc.
package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Bundle is the OAuth2 token material persisted between runs.
type Bundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
	Account      string    `json:"account"`
}

// Expired reports whether the access token has less than skew remaining.
func (b Bundle) Expired(skew time.Duration) bool {
	return time.Until(b.ExpiresAt) <= skew
}

const nonceSize = 12

// Store guards the single tokens.enc file. There is exactly one writer
// (the Graph Client, after a successful acquisition or refresh) and many
// readers, matching the single-writer/many-readers discipline in §5.
type Store struct {
	path string
	mu   sync.Mutex
	aead cipher.AEAD
}

// hostSecretPath returns the path of the random seed file sitting next to
// the token file: a per-install secret, persisted rather than compiled-in,
// so it survives restarts but never leaves the host.
func hostSecretPath(tokenFile string) string {
	return filepath.Join(filepath.Dir(tokenFile), ".host-secret")
}

// Open derives the encryption key for account from a host-local secret
// (generated on first use and persisted under the token file's directory)
// combined with account via HKDF-SHA256, the way a service that must not let
// tokens.enc be copied to another host would: the secret never leaves the
// directory and is never derived from anything transmitted over the wire.
func Open(tokenFile, account string) (*Store, error) {
	secret, err := loadOrCreateHostSecret(hostSecretPath(tokenFile))
	if err != nil {
		return nil, fmt.Errorf("load host secret: %w", err)
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("m365gateway-tokenstore:"+account))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	return &Store{path: tokenFile, aead: aead}, nil
}

// Load reads and decrypts the bundle. A missing, truncated, or
// undecryptable file is reported as ok=false (never an error): per §4.1 that
// is indistinguishable from "never logged in" and the Graph Client must
// fall back to a fresh device-code flow either way.
func (s *Store) Load() (bundle Bundle, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Bundle{}, false, nil
	}
	if err != nil {
		return Bundle{}, false, fmt.Errorf("read token file: %w", err)
	}
	if len(raw) < nonceSize {
		return Bundle{}, false, nil
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Corrupt or encrypted with a different (e.g. foreign-host) key.
		return Bundle{}, false, nil
	}
	var b Bundle
	if err := json.Unmarshal(plain, &b); err != nil {
		return Bundle{}, false, nil
	}
	return b, true, nil
}

// Save encrypts and atomically persists bundle.
func (s *Store) Save(b Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plain, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(cryptorand.Reader, nonce); err != nil {
		return fmt.Errorf("read nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nil, nonce, plain, nil)
	out := append(nonce, ciphertext...)

	return atomicWrite(s.path, out)
}

// Clear removes the token file, forcing a fresh device-code login on next
// use.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	tmpPath = "" // Cancel the deferred cleanup's Remove.

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func loadOrCreateHostSecret(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) == 32 {
		return b, nil
	}
	secret := make([]byte, 32)
	if _, err := io.ReadFull(cryptorand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generate host secret: %w", err)
	}
	if err := atomicWrite(path, secret); err != nil {
		return nil, fmt.Errorf("persist host secret: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("chmod host secret: %w", err)
	}
	return secret, nil
}
