package oidc

import (
	"errors"
)

var (
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrNilParameter         = errors.New("nil parameter")
	ErrInvalidCACert        = errors.New("invalid CA certificate")
	ErrMalformedToken       = errors.New("malformed token")
	ErrInvalidBase64        = errors.New("invalid base64")
	ErrInvalidJSON          = errors.New("invalid json")
	ErrMalformedResponse    = errors.New("malformed token response")
	ErrInvalidTokenResponse = errors.New("invalid token response")
	ErrInvalidClaims        = errors.New("invalid claims")
	ErrTokenExpired         = errors.New("token is expired")
	ErrDiscoveryFailed      = errors.New("discovery failed")
	ErrMissingEndpoint      = errors.New("missing endpoint")
	ErrIDGeneratorFailed    = errors.New("id generation failed")
	ErrNotStarted           = errors.New("configuration not started")
)
