package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealedPrefix = "xc1:"
	plainPrefix  = "plain:"
)

// Sealer protects secrets at rest. The context string (connection and
// slot) is bound to the ciphertext so sealed values cannot be moved
// between rows.
type Sealer interface {
	Seal(plaintext, context string) (string, error)
	Open(sealed, context string) (string, error)
}

type xchachaSealer struct {
	key []byte
}

// NewSealer returns an XChaCha20-Poly1305 sealer for a 32-byte key.
func NewSealer(key []byte) (Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &xchachaSealer{key: append([]byte(nil), key...)}, nil
}

// ParseKey decodes a hex or base64 encoded key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if key, err := hex.DecodeString(encoded); err == nil {
		return key, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New("secret key is neither hex nor base64")
	}
	return key, nil
}

// GenerateKey returns a random hex encoded key suitable for NewSealer.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

func (s *xchachaSealer) Seal(plaintext, context string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(context))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *xchachaSealer) Open(sealed, context string) (string, error) {
	if strings.HasPrefix(sealed, plainPrefix) {
		return strings.TrimPrefix(sealed, plainPrefix), nil
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", errors.New("unknown sealed secret format")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed secret: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("sealed secret is truncated")
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(context))
	if err != nil {
		return "", fmt.Errorf("failed to open sealed secret: %w", err)
	}
	return string(plaintext), nil
}

type plaintextSealer struct{}

// PlaintextSealer stores secrets unencrypted. It is used when no secret
// key is configured.
func PlaintextSealer() Sealer { return plaintextSealer{} }

func (plaintextSealer) Seal(plaintext, _ string) (string, error) {
	return plainPrefix + plaintext, nil
}

func (plaintextSealer) Open(sealed, _ string) (string, error) {
	if strings.HasPrefix(sealed, sealedPrefix) {
		return "", errors.New("secret is sealed but no secret key is configured")
	}
	return strings.TrimPrefix(sealed, plainPrefix), nil
}
