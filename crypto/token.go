package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"kuno/models"
)

var (
	// ErrMalformedToken indicates the token is not claims.signature.
	ErrMalformedToken = errors.New("crypto: malformed token")
	// ErrTokenSignature indicates the signature does not match the claims.
	ErrTokenSignature = errors.New("crypto: invalid token signature")
	// ErrTokenExpired indicates the claims are past their expiry.
	ErrTokenExpired = errors.New("crypto: token expired")
)

var tokenEncoding = base64.RawURLEncoding

// IssueToken signs claims into a compact bearer token.
func IssueToken(privateKey ed25519.PrivateKey, claims models.Claims) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid signing key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if claims.AccountID == "" || claims.Username == "" {
		return "", errors.New("claims require account ID and username")
	}

	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	encoded := tokenEncoding.EncodeToString(body)
	signature := ed25519.Sign(privateKey, []byte(encoded))

	return encoded + "." + tokenEncoding.EncodeToString(signature), nil
}

// ParseToken verifies a token against publicKey and returns its claims.
func ParseToken(publicKey ed25519.PublicKey, token string, now time.Time) (models.Claims, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return models.Claims{}, fmt.Errorf("invalid verifying key length: got %d want %d", len(publicKey), ed25519.PublicKeySize)
	}

	encoded, rawSignature, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encoded == "" || rawSignature == "" {
		return models.Claims{}, ErrMalformedToken
	}
	signature, err := tokenEncoding.DecodeString(rawSignature)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return models.Claims{}, ErrMalformedToken
	}
	if !ed25519.Verify(publicKey, []byte(encoded), signature) {
		return models.Claims{}, ErrTokenSignature
	}

	body, err := tokenEncoding.DecodeString(encoded)
	if err != nil {
		return models.Claims{}, ErrMalformedToken
	}
	var claims models.Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return models.Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.AccountID == "" || claims.Username == "" {
		return models.Claims{}, ErrMalformedToken
	}
	if claims.ExpiresAt > 0 && now.Unix() > claims.ExpiresAt {
		return models.Claims{}, ErrTokenExpired
	}

	return claims, nil
}
