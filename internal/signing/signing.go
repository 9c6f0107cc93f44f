// Package signing computes and verifies HMAC-SHA256 payload signatures.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// Scheme prefixes the signature in the outbound header value.
const Scheme = "sha256="

// DefaultHeader is the header destinations read the signature from.
const DefaultHeader = "X-Edp-Signature"

// ErrMissingSecret is returned when signing without a secret.
var ErrMissingSecret = errors.New("signing secret is empty")

// Sign returns the standard base64 encoding of HMAC-SHA256(payload, secret).
func Sign(payload []byte, secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig (with or without the "sha256=" prefix) matches payload.
func Verify(payload []byte, secret, sig string) bool {
	want, err := Sign(payload, secret)
	if err != nil {
		return false
	}
	got := strings.TrimPrefix(strings.TrimSpace(sig), Scheme)
	return hmac.Equal([]byte(got), []byte(want))
}

// Signer produces header values for outbound deliveries.
type Signer struct {
	header string
}

// NewSigner returns a Signer writing to header, DefaultHeader when empty.
func NewSigner(header string) *Signer {
	if header == "" {
		header = DefaultHeader
	}
	return &Signer{header: header}
}

// Header is the name of the signature header.
func (s *Signer) Header() string {
	return s.header
}

// HeaderValue returns "sha256=<signature>" for payload.
func (s *Signer) HeaderValue(payload []byte, secret string) (string, error) {
	sig, err := Sign(payload, secret)
	if err != nil {
		return "", err
	}
	return Scheme + sig, nil
}

// GenerateSecret returns n random bytes, base64url encoded without padding.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
