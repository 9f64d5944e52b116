package rp

import (
	"errors"
)

var (
	ErrLoginFailed    = errors.New("login failed")
	ErrCSRFMismatch   = errors.New("state parameter does not match anti-forgery token")
	ErrUnknownSubject = errors.New("subject not known to the identity source")
)
