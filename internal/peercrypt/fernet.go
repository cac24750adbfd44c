package peercrypt

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

const (
	fernetVersion  = 0x80
	fernetMinToken = 1 + 8 + aes.BlockSize + aes.BlockSize + sha256.Size

	// Stands in for "no limit" so the library still rejects tokens from the future.
	fernetNoTTL = 100 * 365 * 24 * time.Hour
)

// Fernet speaks the token format used by existing mesh peers.
type Fernet struct {
	keys []*fernet.Key

	// TTL rejects tokens older than this when non-zero.
	TTL time.Duration
}

// NewFernet uses the first half of key for signing and the second for encryption.
func NewFernet(key [32]byte) *Fernet {
	k := fernet.Key(key)
	return &Fernet{keys: []*fernet.Key{&k}}
}

func (f *Fernet) Seal(plain []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(plain, f.keys[0])
	if err != nil {
		return "", err
	}
	return string(tok), nil
}

func (f *Fernet) Open(token string) ([]byte, error) {
	tok, ok := normalizeToken(token)
	if !ok {
		return nil, ErrInvalidToken
	}
	ttl := f.TTL
	if ttl <= 0 {
		ttl = fernetNoTTL
	}
	if plain := fernet.VerifyAndDecrypt(tok, ttl, f.keys); plain != nil {
		return plain, nil
	}
	if ttl != fernetNoTTL && fernet.VerifyAndDecrypt(tok, fernetNoTTL, f.keys) != nil {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

// normalizeToken re-pads unpadded URL-safe base64 and rejects tokens too short to carry a
// version, timestamp, IV, one block and the MAC.
func normalizeToken(token string) ([]byte, bool) {
	token = strings.TrimRight(strings.TrimSpace(token), "=")
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < fernetMinToken || raw[0] != fernetVersion {
		return nil, false
	}
	return []byte(base64.URLEncoding.EncodeToString(raw)), true
}
