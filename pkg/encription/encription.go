// Package encription seals queued payload snapshots before they hit the local
// database, so a copied store file does not leak catalog edits in clear text.
package encription

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix marks a value written by Encrypt. Values without it are
// treated as plain text, which keeps stores created without a key readable.
const sealedPrefix = "enc:v1:"

var keySalt = []byte("possync/local-store/v1")

var ErrCiphertextTooShort = errors.New("ciphertext too short")

type Enc struct {
	key []byte
}

func NewEnc(passphrase string) *Enc {
	return &Enc{
		key: argon2.IDKey([]byte(passphrase), keySalt, 1, 64*1024, 4, chacha20poly1305.KeySize),
	}
}

// Encrypt seals data with XChaCha20-Poly1305 and returns a printable string.
func (e *Enc) Encrypt(data string) (string, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(data), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Unsealed input is returned unchanged.
func (e *Enc) Decrypt(encryptedText string) (string, error) {
	if !IsSealed(encryptedText) {
		return encryptedText, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(encryptedText, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 data: %w", err)
	}

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed payload: %w", err)
	}
	return string(plain), nil
}

func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealedPrefix)
}
