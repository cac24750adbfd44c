package peercrypt

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// XChaCha seals tokens as base64url(nonce || ciphertext) with XChaCha20-Poly1305.
type XChaCha struct {
	key [chacha20poly1305.KeySize]byte
}

func NewXChaCha(key [32]byte) *XChaCha {
	return &XChaCha{key: key}
}

func (x *XChaCha) Seal(plain []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(x.key[:])
	if err != nil {
		return "", fmt.Errorf("xchacha: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("xchacha: nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (x *XChaCha) Open(token string) ([]byte, error) {
	raw, err := decodeToken(token)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(x.key[:])
	if err != nil {
		return nil, fmt.Errorf("xchacha: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrInvalidToken
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return plain, nil
}
