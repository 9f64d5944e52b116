package oidc

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()
	validClaims := map[string]interface{}{
		"iss": "https://example.com",
		"sub": "alice@example.com",
		"aud": "test-rp",
	}
	validToken := TestEncodeJWT(t, validClaims)

	encode := func(s string) string {
		return base64.RawURLEncoding.EncodeToString([]byte(s))
	}

	tests := []struct {
		name      string
		idToken   string
		wantErr   bool
		wantIsErr error
	}{
		{
			name:    "valid",
			idToken: validToken,
		},
		{
			name:      "empty",
			idToken:   "",
			wantErr:   true,
			wantIsErr: ErrMalformedToken,
		},
		{
			name:      "two-sections",
			idToken:   encode(`{"alg":"none"}`) + "." + encode(`{"sub":"alice"}`),
			wantErr:   true,
			wantIsErr: ErrMalformedToken,
		},
		{
			name:      "four-sections",
			idToken:   validToken + ".extra",
			wantErr:   true,
			wantIsErr: ErrMalformedToken,
		},
		{
			name:      "bad-base64-header",
			idToken:   "!!!." + encode(`{"sub":"alice"}`) + ".sig",
			wantErr:   true,
			wantIsErr: ErrInvalidBase64,
		},
		{
			name:      "bad-base64-payload",
			idToken:   encode(`{"alg":"none"}`) + ".!!!.sig",
			wantErr:   true,
			wantIsErr: ErrInvalidBase64,
		},
		{
			name:      "payload-not-json",
			idToken:   encode(`{"alg":"none"}`) + "." + encode("not json") + ".sig",
			wantErr:   true,
			wantIsErr: ErrInvalidJSON,
		},
		{
			name:      "payload-json-array",
			idToken:   encode(`{"alg":"none"}`) + "." + encode(`["not","an","object"]`) + ".sig",
			wantErr:   true,
			wantIsErr: ErrInvalidJSON,
		},
		{
			name:      "header-not-json",
			idToken:   encode("not json") + "." + encode(`{"sub":"alice"}`) + ".sig",
			wantErr:   true,
			wantIsErr: ErrInvalidJSON,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			header, claims, err := Decode(tt.idToken)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal("none", header["alg"])
			assert.Equal("alice@example.com", claims["sub"])
			assert.Equal("test-rp", claims["aud"])
		})
	}
}

func TestDecode_SignatureIgnored(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	token := TestEncodeJWT(t, map[string]interface{}{"sub": "alice"})
	parts := strings.Split(token, ".")
	require.Len(parts, 3)

	// the signature section is carried but never inspected
	tampered := parts[0] + "." + parts[1] + ".garbage-not-base64!!!"
	_, claims, err := Decode(tampered)
	require.NoError(err)
	assert.Equal("alice", claims["sub"])
}

func Test_padBase64(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "mod4-0", in: "abcd", want: "abcd"},
		{name: "mod4-2", in: "abcdef", want: "abcdef=="},
		{name: "mod4-3", in: "abcdefg", want: "abcdefg="},
		{name: "mod4-1", in: "abcde", wantErr: true},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := padBase64(tt.in)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, ErrInvalidBase64), "wanted \"%s\" but got \"%s\"", ErrInvalidBase64, err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.want, got)
		})
	}
}

func Test_padBase64_RoundTrip(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	// payloads chosen so the unpadded encodings hit every valid length
	// class mod 4
	for _, payload := range []string{"a", "ab", "abc", "abcd", "abcde"} {
		raw := base64.RawURLEncoding.EncodeToString([]byte(payload))
		padded, err := padBase64(raw)
		require.NoError(err)
		decoded, err := base64.URLEncoding.DecodeString(padded)
		require.NoError(err)
		assert.Equal(payload, string(decoded))
	}
}
