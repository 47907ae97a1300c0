// Package secrets seals the engine API key so it can sit in the
// environment or a config file without being readable at rest.
package secrets

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

var (
	newGCM     = cipher.NewGCM
	randReader = rand.Reader
)

var ErrKeyFormat = errors.New("LLM_SECRETS_KEY must be 32 bytes or base64-encoded 32 bytes")

// Box is an AES-256-GCM sealer. Sealed values are base64(nonce || ciphertext).
type Box struct {
	aead cipher.AEAD
}

func ParseKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("LLM_SECRETS_KEY is required")
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return nil, ErrKeyFormat
	}
	return decoded, nil
}

func NewBox(key []byte) (*Box, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (b *Box) Open(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", err
	}
	size := b.aead.NonceSize()
	if len(data) < size {
		return "", errors.New("invalid sealed secret")
	}
	plain, err := b.aead.Open(nil, data[:size], data[size:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// ResolveAPIKey returns the plain key when set, otherwise opens the sealed
// key with the secrets key. Both empty means no key is configured.
func ResolveAPIKey(plain, sealed, rawKey string) (string, error) {
	if plain != "" {
		return plain, nil
	}
	if sealed == "" {
		return "", nil
	}
	key, err := ParseKey(rawKey)
	if err != nil {
		return "", err
	}
	box, err := NewBox(key)
	if err != nil {
		return "", err
	}
	apiKey, err := box.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("open LLM_API_KEY_ENC: %w", err)
	}
	return apiKey, nil
}
