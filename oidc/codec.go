package oidc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Decode splits a compact-serialization JWT into its decoded header and
// claims.  The third (signature) section is required to be present but is
// never cryptographically verified: trust in the token's content comes from
// the server-validated TLS channel used to fetch it directly from the
// provider's token endpoint.
//
// Decode fails with ErrMalformedToken if the string does not split into
// exactly three sections, ErrInvalidBase64 if the header or claims section
// is not decodable base64url, and ErrInvalidJSON if a decoded section is not
// a JSON object.
func Decode(idToken string) (header map[string]interface{}, claims map[string]interface{}, err error) {
	const op = "oidc.Decode"
	sections := strings.Split(idToken, ".")
	if len(sections) != 3 {
		return nil, nil, fmt.Errorf("%s: JWT does not have 3 sections: %w", op, ErrMalformedToken)
	}
	if header, err = decodeSection(sections[0]); err != nil {
		return nil, nil, fmt.Errorf("%s: header: %w", op, err)
	}
	if claims, err = decodeSection(sections[1]); err != nil {
		return nil, nil, fmt.Errorf("%s: claims: %w", op, err)
	}
	return header, claims, nil
}

func decodeSection(section string) (map[string]interface{}, error) {
	const op = "oidc.decodeSection"
	padded, err := padBase64(section)
	if err != nil {
		return nil, err
	}
	decoded, err := base64.URLEncoding.DecodeString(padded)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrInvalidBase64)
	}
	var section64 interface{}
	if err := json.Unmarshal(decoded, &section64); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrInvalidJSON)
	}
	m, ok := section64.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: decoded section is not a JSON object: %w", op, ErrInvalidJSON)
	}
	return m, nil
}

// padBase64 restores the trailing '=' padding that providers conventionally
// omit from JWT sections.  A length with remainder 1 mod 4 can never be a
// valid base64 string, padded or not.
func padBase64(section string) (string, error) {
	const op = "oidc.padBase64"
	switch len(section) % 4 {
	case 0:
		return section, nil
	case 1:
		return "", fmt.Errorf("%s: section length mod 4 is 1: %w", op, ErrInvalidBase64)
	case 2:
		return section + "==", nil
	default:
		return section + "=", nil
	}
}
