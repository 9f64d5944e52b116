package oidc

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// NewID generates a random ID with an optional prefix.  The ID generated is
// suitable for an anti-forgery state token.
func NewID(optionalPrefix string) (string, error) {
	const op = "oidc.NewID"
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, ErrIDGeneratorFailed)
	}
	switch {
	case optionalPrefix != "":
		return fmt.Sprintf("%s_%s", optionalPrefix, id), nil
	default:
		return id, nil
	}
}
