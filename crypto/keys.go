package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	signingPrivatePEMType = "ED25519 PRIVATE KEY"
	signingPublicPEMType  = "ED25519 PUBLIC KEY"
)

// EnsureSigningKeyPair loads the credential signing keypair, generating it on first run.
// The public key file is rewritten when it no longer matches the private key.
func EnsureSigningKeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privateKey, err := LoadSigningPrivateKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)
		stored, pubErr := LoadSigningPublicKey(publicPath)
		if pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := writePEM(publicPath, signingPublicPEMType, publicKey, 0o644); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing keypair: %w", err)
	}
	if err := writePEM(privatePath, signingPrivatePEMType, privateKey, 0o600); err != nil {
		return nil, nil, err
	}
	if err := writePEM(publicPath, signingPublicPEMType, publicKey, 0o644); err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// LoadSigningPrivateKey reads an Ed25519 private key PEM file.
func LoadSigningPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := readPEM(path, signingPrivatePEMType, ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadSigningPublicKey reads an Ed25519 public key PEM file.
func LoadSigningPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := readPEM(path, signingPublicPEMType, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

func readPEM(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", blockType, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", blockType)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", blockType, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", blockType, len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEM(path, blockType string, key []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	block := &pem.Block{Type: blockType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", blockType, err)
	}
	return nil
}
