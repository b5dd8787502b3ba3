package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealedSaltSize = 16
	sealedInfo     = "kuno sealed payload v1"
)

// SealPayload encrypts plaintext under a key derived from secret and returns base64 text.
// Layout: salt | nonce | ciphertext.
func SealPayload(secret, plaintext []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is required")
	}

	salt := make([]byte, sealedSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	aead, err := sealedAEAD(secret, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// OpenPayload reverses SealPayload.
func OpenPayload(secret []byte, sealed string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed payload: %w", err)
	}
	if len(raw) < sealedSaltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, errors.New("sealed payload is too short")
	}

	salt := raw[:sealedSaltSize]
	aead, err := sealedAEAD(secret, salt)
	if err != nil {
		return nil, err
	}
	nonce := raw[sealedSaltSize : sealedSaltSize+aead.NonceSize()]
	ciphertext := raw[sealedSaltSize+aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed payload: %w", err)
	}
	return plaintext, nil
}

func sealedAEAD(secret, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(sealedInfo)), key); err != nil {
		return nil, fmt.Errorf("derive payload key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	return aead, nil
}
