package bridge

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("token must be 64 hex characters")
)

const tokenBytes = 32

// Tokens holds the bearer token shared with claimants. It lives only in
// memory; a restart or a rotation invalidates every paired client.
type Tokens struct {
	mu      sync.RWMutex
	current string
}

func NewTokens() (*Tokens, error) {
	t := &Tokens{}
	if _, err := t.Rotate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tokens) Rotate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	t.mu.Lock()
	t.current = token
	t.mu.Unlock()
	return token, nil
}

// Use installs an operator-supplied token, typically one printed by
// `railctl bridge token` and passed through RAIL_BRIDGE_TOKEN.
func (t *Tokens) Use(token string) error {
	token = strings.ToLower(strings.TrimSpace(token))
	if len(token) != tokenBytes*2 {
		return ErrInvalidToken
	}
	if _, err := hex.DecodeString(token); err != nil {
		return ErrInvalidToken
	}
	t.mu.Lock()
	t.current = token
	t.mu.Unlock()
	return nil
}

func (t *Tokens) Current() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Masked returns the token with everything but the last four characters hidden.
func (t *Tokens) Masked() string {
	token := t.Current()
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", 8) + token[len(token)-4:]
}

// Check validates an Authorization header value of the form "Bearer <token>".
func (t *Tokens) Check(header string) error {
	value := strings.TrimSpace(header)
	const prefix = "bearer "
	if len(value) <= len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return ErrUnauthorized
	}
	presented := strings.TrimSpace(value[len(prefix):])
	current := t.Current()
	if current == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(current)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
