// Package crypto seals configuration secrets with AES-256-GCM so credentials
// for the audit database and the report archive can live in the config file
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
	// Prefix marks a sealed value in the config file
	Prefix = "enc:"
	// KeyEnv names the environment variable holding the master key
	KeyEnv = "STREAMQC_MASTER_KEY"

	keySize = 32 // AES-256
)

var (
	ErrNoMasterKey   = errors.New("master key not set (export " + KeyEnv + ")")
	ErrNotSealed     = errors.New("value is not sealed")
	ErrInvalidSecret = errors.New("sealed value is malformed")
)

// Sealer encrypts and decrypts secrets with one master key
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a sealer from a base64-encoded 256-bit master key
func NewSealer(masterKey string) (*Sealer, error) {
	if strings.TrimSpace(masterKey) == "" {
		return nil, ErrNoMasterKey
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(masterKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext and returns it as a prefixed base64 string.
// Empty plaintext stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return "", ErrNotSealed
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize+s.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrInvalidSecret)
	}

	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Reveal returns plain values unchanged and opens sealed ones with masterKey
func Reveal(value, masterKey string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	s, err := NewSealer(masterKey)
	if err != nil {
		return "", err
	}
	return s.Open(value)
}

// IsSealed reports whether value carries the sealed prefix
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// GenerateMasterKey returns a new random base64-encoded 256-bit key
func GenerateMasterKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
