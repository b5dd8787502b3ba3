package network

import (
	"errors"
	"fmt"
	"strings"

	"kuno/auth"
	"kuno/models"
)

// TokenQueryParam carries the bearer credential on the websocket URL.
const TokenQueryParam = "token"

// ErrMissingCredential indicates a connection arrived without a token.
var ErrMissingCredential = errors.New("network: missing authentication token")

// Authenticate verifies a connection credential. It is the only
// authentication check for the lifetime of a connection.
func Authenticate(verifier auth.Verifier, token string) (models.Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Claims{}, ErrMissingCredential
	}
	if verifier == nil {
		return models.Claims{}, fmt.Errorf("%w: no verifier configured", auth.ErrInvalidCredential)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			return models.Claims{}, err
		}
		return models.Claims{}, fmt.Errorf("%w: %v", auth.ErrInvalidCredential, err)
	}
	if claims.AccountID == "" {
		return models.Claims{}, fmt.Errorf("%w: claims carry no account", auth.ErrInvalidCredential)
	}
	return claims, nil
}

// authCloseReason maps an Authenticate failure to the websocket close frame.
func authCloseReason(err error) (int, string) {
	if errors.Is(err, ErrMissingCredential) {
		return CloseAuthFailed, ReasonMissingToken
	}
	return CloseAuthFailed, ReasonAuthFailed
}
