// Package auth holds the gateway's collaborator boundaries for credential
// verification and account lookup.
package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"kuno/crypto"
	"kuno/models"
)

var (
	// ErrInvalidCredential indicates a bearer credential failed verification.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrAccountNotFound indicates a username has no account.
	ErrAccountNotFound = errors.New("auth: account not found")
)

// Verifier turns a bearer credential into verified claims.
type Verifier interface {
	Verify(token string) (models.Claims, error)
}

// Directory resolves usernames to account identifiers.
type Directory interface {
	ResolveAccountID(ctx context.Context, username string) (string, error)
}

// TokenVerifier verifies Ed25519-signed bearer tokens.
type TokenVerifier struct {
	publicKey ed25519.PublicKey
	now       func() time.Time
}

// NewTokenVerifier creates a verifier for tokens signed by the matching private key.
func NewTokenVerifier(publicKey ed25519.PublicKey) (*TokenVerifier, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid verifying key length: got %d want %d", len(publicKey), ed25519.PublicKeySize)
	}
	return &TokenVerifier{
		publicKey: append(ed25519.PublicKey(nil), publicKey...),
		now:       time.Now,
	}, nil
}

// Verify implements Verifier.
func (v *TokenVerifier) Verify(token string) (models.Claims, error) {
	claims, err := crypto.ParseToken(v.publicKey, token, v.now())
	if err != nil {
		return models.Claims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return claims, nil
}

// StaticDirectory is an in-memory username to account ID table.
type StaticDirectory struct {
	mu       sync.RWMutex
	accounts map[string]string
}

// NewStaticDirectory copies accounts (username -> account ID) into a new directory.
func NewStaticDirectory(accounts map[string]string) *StaticDirectory {
	d := &StaticDirectory{accounts: make(map[string]string, len(accounts))}
	for username, accountID := range accounts {
		d.Put(username, accountID)
	}
	return d
}

// Put adds or replaces one account mapping.
func (d *StaticDirectory) Put(username, accountID string) {
	username = strings.TrimSpace(username)
	if username == "" || accountID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[username] = accountID
}

// ResolveAccountID implements Directory.
func (d *StaticDirectory) ResolveAccountID(ctx context.Context, username string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	accountID, ok := d.accounts[strings.TrimSpace(username)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrAccountNotFound, username)
	}
	return accountID, nil
}
