package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

// stateBytes is the entropy of a state value; hex doubles it to 64 characters.
const stateBytes = 32

// GenerateCodeVerifier returns a fresh PKCE verifier (RFC 7636 section 4.1):
// 43 base64url characters, no padding.
func GenerateCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// CodeChallenge derives the S256 challenge for verifier.
func CodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns an unguessable state value that correlates one
// sign-in attempt with its redirect.
func GenerateState() (string, error) {
	var b [stateBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random state: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
