// Package pkce implements Proof Key for Code Exchange (RFC 7636) helpers.
//
// The server uses PKCE twice per authorization attempt: it verifies the MCP
// client's own challenge at the token endpoint, and it generates a separate
// verifier/challenge pair for its own exchange with the upstream identity
// provider. The two pairs are never mixed.
package pkce

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// MinVerifierLength and MaxVerifierLength are the RFC 7636 bounds.
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// MethodS256 is the only supported challenge method.
	MethodS256 = "S256"

	verifierEntropyBytes = 64
)

var (
	// ErrVerifierLength is returned for verifiers outside 43..128 characters.
	ErrVerifierLength = fmt.Errorf("code_verifier must be %d-%d characters", MinVerifierLength, MaxVerifierLength)
	// ErrVerifierCharset is returned when a verifier contains characters outside [A-Za-z0-9-._~].
	ErrVerifierCharset = errors.New("code_verifier contains invalid characters")
	// ErrMismatch is returned when a verifier does not hash to the challenge.
	ErrMismatch = errors.New("code_verifier does not match code_challenge")
	// ErrUnsupportedMethod is returned for any method other than S256.
	ErrUnsupportedMethod = errors.New("unsupported code_challenge_method")
)

// GenerateVerifier returns a fresh URL-safe verifier of at most 128
// characters built from 64 random bytes.
func GenerateVerifier() (string, error) {
	b := make([]byte, verifierEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	v := base64.RawURLEncoding.EncodeToString(b)
	if len(v) > MaxVerifierLength {
		v = v[:MaxVerifierLength]
	}
	if len(v) < MinVerifierLength {
		return "", ErrVerifierLength
	}
	return v, nil
}

// Challenge returns the S256 challenge for verifier: base64url(sha256(v))
// without padding.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Pair is a verifier together with its S256 challenge.
type Pair struct {
	Verifier  string
	Challenge string
}

// NewPair generates a verifier and derives its challenge.
func NewPair() (Pair, error) {
	v, err := GenerateVerifier()
	if err != nil {
		return Pair{}, err
	}
	return Pair{Verifier: v, Challenge: Challenge(v)}, nil
}

// ValidateVerifier checks length and character set of a client supplied verifier.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return ErrVerifierLength
	}
	for _, ch := range verifier {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return ErrVerifierCharset
		}
	}
	return nil
}

// Verify checks verifier against challenge using method. An empty method is
// treated as S256. The comparison is constant time.
func Verify(verifier, challenge, method string) error {
	if method != "" && method != MethodS256 {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	if err := ValidateVerifier(verifier); err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(Challenge(verifier)), []byte(challenge)) != 1 {
		return ErrMismatch
	}
	return nil
}
