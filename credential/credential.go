// Package credential generates client identifiers, client secrets and opaque
// bearer strings from crypto/rand.
package credential

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/oauth2"
)

const (
	// ClientIDLength is the length of generated client identifiers
	ClientIDLength = 32

	// ClientSecretLength is the length of generated client secrets
	ClientSecretLength = 48

	// ClientIDAlphabet is the character set of client identifiers
	ClientIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// ClientSecretAlphabet is the character set of client secrets
	ClientSecretAlphabet = ClientIDAlphabet + "0123456789!#$*()[]{}"
)

// GenerateClientID returns a new random client identifier
func GenerateClientID() (string, error) {
	return RandomString(ClientIDAlphabet, ClientIDLength)
}

// GenerateClientSecret returns a new random client secret
func GenerateClientSecret() (string, error) {
	return RandomString(ClientSecretAlphabet, ClientSecretLength)
}

// GenerateToken returns a URL-safe opaque bearer string with 256 bits of entropy
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}

// RandomString returns n characters drawn uniformly from alphabet
func RandomString(alphabet string, n int) (string, error) {
	if alphabet == "" {
		return "", fmt.Errorf("alphabet cannot be empty")
	}
	if n < 0 {
		return "", fmt.Errorf("length cannot be negative")
	}

	limit := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to read random data: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
