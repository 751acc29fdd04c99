package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrNoKeyring    = errors.New("credential is sealed but no keyring is configured")
	ErrUnknownKeyID = errors.New("key version not loaded")
)

const envKeyPrefix = "MASTER_ENCRYPTION_KEY"

// Keyring holds every loaded key version and seals new values with the
// newest one. Older versions stay available for opening.
type Keyring struct {
	mu      sync.RWMutex
	current int
	sealers map[int]*sealer
}

// NewKeyring builds a keyring from raw 32 byte keys indexed by version.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	kr := &Keyring{sealers: make(map[int]*sealer, len(keys))}
	for v, key := range keys {
		s, err := newSealer(key, v)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", v, err)
		}
		kr.sealers[v] = s
		if v > kr.current {
			kr.current = v
		}
	}
	if kr.current == 0 {
		return nil, ErrKeyNotFound
	}
	return kr, nil
}

// KeyringFromEnv loads MASTER_ENCRYPTION_KEY (v1) and the optional
// MASTER_ENCRYPTION_KEY_V2..V10 rotation keys, all base64 encoded.
func KeyringFromEnv() (*Keyring, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= 10; v++ {
		name := envKeyPrefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", envKeyPrefix, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("%s: %w", name, ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewKeyring(keys)
}

// Encrypt seals plaintext with the newest key.
func (k *Keyring) Encrypt(plaintext string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sealers[k.current].seal(plaintext)
}

// Decrypt opens a sealed value with the key version named in its prefix.
func (k *Keyring) Decrypt(sealed string) (string, error) {
	version := ParseVersion(sealed)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	k.mu.RLock()
	s, ok := k.sealers[version]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("v%d: %w", version, ErrUnknownKeyID)
	}
	return s.open(sealed)
}

// Reseal re-encrypts a value under the newest key, for rotation.
func (k *Keyring) Reseal(sealed string) (string, error) {
	plain, err := k.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt for reseal: %w", err)
	}
	return k.Encrypt(plain)
}

func (k *Keyring) CurrentVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Reveal returns the plaintext of a stored credential. Values imported
// without a keyring are stored as plaintext and returned unchanged. A nil
// keyring is valid and only fails on sealed input.
func (k *Keyring) Reveal(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	if k == nil {
		return "", ErrNoKeyring
	}
	return k.Decrypt(stored)
}

// GenerateKey returns a new random base64 encoded AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
