package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealedPrefix = "xc20:"

var hkdfInfo = []byte("shadowgate vault v1")

// sealer encrypts real values at rest. A nil sealer stores plaintext.
type sealer struct {
	aead cipher.AEAD
}

// newSealer derives an XChaCha20-Poly1305 key from passphrase.
// An empty passphrase returns nil (no sealing).
func newSealer(passphrase string) (*sealer, error) {
	if passphrase == "" {
		return nil, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// seal returns "xc20:" + base64(nonce + ciphertext + tag).
func (s *sealer) seal(plain string) (string, error) {
	if s == nil {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	ct := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// open reverses seal. Values without the prefix are returned as-is.
func (s *sealer) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if s == nil {
		return "", errors.New("vault: value is sealed but no vault key is configured")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("vault: decode sealed value: %w", err)
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return "", errors.New("vault: sealed value too short")
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", errors.New("vault: open failed: invalid key or corrupted data")
	}
	return string(plain), nil
}
