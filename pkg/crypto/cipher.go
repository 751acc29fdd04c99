// Package crypto seals brokerage credentials (password, TOTP secret, API
// key) at rest with AES-256-GCM under versioned keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	KeySize   = 32
	NonceSize = 12

	// Sealed values look like ENC[v2]:base64(nonce|ciphertext|tag).
	versionFormat = "ENC[v%d]:"
	sealedPrefix  = "ENC[v"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// sealer encrypts under one key version.
type sealer struct {
	aead    cipher.AEAD
	version int
}

func newSealer(key []byte, version int) (*sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &sealer{aead: aead, version: version}, nil
}

func (s *sealer) seal(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(versionFormat, s.version) + base64.StdEncoding.EncodeToString(out), nil
}

func (s *sealer) open(sealed string) (string, error) {
	idx := strings.Index(sealed, "]:")
	if !strings.HasPrefix(sealed, sealedPrefix) || idx == -1 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(sealed[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}
	plain, err := s.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the ENC[vN] prefix.
func IsSealed(value string) bool {
	return ParseVersion(value) > 0
}

// ParseVersion extracts the key version from a sealed value, 0 if none.
func ParseVersion(value string) int {
	if !strings.HasPrefix(value, sealedPrefix) {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(value, versionFormat, &version); err != nil {
		return 0
	}
	return version
}
