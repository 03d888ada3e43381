package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Codec issues and checks short numeric one-time passcodes.
// Codes are never stored in clear: the caller keeps only the salted hash.
type Codec struct {
	length int
	pepper string
}

// NewCodec creates a codec for codes of the given length.
// The pepper is a server-side secret mixed into every hash.
func NewCodec(length int, pepper string) (*Codec, error) {
	if length < 4 || length > 10 {
		return nil, fmt.Errorf("otp code length must be between 4 and 10, got %d", length)
	}
	return &Codec{length: length, pepper: pepper}, nil
}

// Issue generates a new code from a cryptographically secure source and
// returns the plaintext together with the salt and hash to store.
// The code keeps its leading zeros: "004217" and "4217" are different codes.
func (c *Codec) Issue() (code, salt, hash string, err error) {
	max := big.NewInt(1)
	for i := 0; i < c.length; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate code: %w", err)
	}
	code = fmt.Sprintf("%0*d", c.length, n)

	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate salt: %w", err)
	}
	salt = hex.EncodeToString(saltBytes)

	return code, salt, c.Hash(code, salt), nil
}

// Hash returns the hex-encoded salted hash of a code.
func (c *Codec) Hash(code, salt string) string {
	sum := sha256.Sum256([]byte(c.pepper + ":" + salt + ":" + code))
	return hex.EncodeToString(sum[:])
}

// Matches reports whether candidate hashes to the stored hash.
// Comparison is constant-time; the call has no side effects.
func (c *Codec) Matches(candidate, salt, hash string) bool {
	expected := c.Hash(candidate, salt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
}

// Length returns the configured code length.
func (c *Codec) Length() int {
	return c.length
}
