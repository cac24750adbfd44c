// Package peercrypt seals position payloads exchanged with mesh peers under a key derived
// from a shared passphrase.
package peercrypt

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidToken = errors.New("peercrypt: invalid token")
	ErrExpiredToken = errors.New("peercrypt: token expired")
	ErrNoPassphrase = errors.New("peercrypt: empty passphrase")
)

const (
	CipherFernet  = "fernet"
	CipherXChaCha = "xchacha"
)

// Codec seals and opens opaque string tokens.
type Codec interface {
	Seal(plain []byte) (string, error)
	Open(token string) ([]byte, error)
}

// DeriveKey returns SHA-256 of the passphrase.
func DeriveKey(passphrase string) [32]byte {
	return sha256.Sum256([]byte(passphrase))
}

// NewCodec builds the named cipher keyed by passphrase. An empty name selects Fernet.
func NewCodec(name, passphrase string) (Codec, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	key := DeriveKey(passphrase)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CipherFernet:
		return NewFernet(key), nil
	case CipherXChaCha:
		return NewXChaCha(key), nil
	default:
		return nil, fmt.Errorf("peercrypt: unknown cipher %q", name)
	}
}

// Box encrypts JSON values with a Codec.
type Box struct {
	codec Codec
}

func NewBox(c Codec) *Box { return &Box{codec: c} }

// Encrypt marshals v to JSON and seals it.
func (b *Box) Encrypt(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("peercrypt: marshal: %w", err)
	}
	return b.codec.Seal(plain)
}

// Decrypt opens token and decodes the payload as JSON. A payload that is not JSON is returned
// as a string. Any failure to open yields def.
func (b *Box) Decrypt(token string, def any) any {
	if b == nil || b.codec == nil || token == "" {
		return def
	}
	plain, err := b.codec.Open(token)
	if err != nil {
		return def
	}
	var v any
	if err := json.Unmarshal(plain, &v); err != nil {
		return string(plain)
	}
	return v
}

// DecryptInto opens token and unmarshals the payload into v. A payload that is a JSON string
// holding a JSON document is unwrapped once, which is how peers encode positions.
func (b *Box) DecryptInto(token string, v any) error {
	if b == nil || b.codec == nil {
		return ErrNoPassphrase
	}
	plain, err := b.codec.Open(token)
	if err != nil {
		return err
	}
	var inner string
	if json.Unmarshal(plain, &inner) == nil {
		plain = []byte(inner)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("peercrypt: payload: %w", err)
	}
	return nil
}
