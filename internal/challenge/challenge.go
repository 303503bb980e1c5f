// Package challenge holds the secret material helpers for authorization
// sessions: numeric code generation, code hashing, and TOTP validation.
package challenge

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/pquerna/otp/totp"
)

// NumericCode returns a random numeric code of the given length.
func NumericCode(length int) (string, error) {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generating code digit: %w", err)
		}
		code[i] = byte('0' + n.Int64())
	}
	return string(code), nil
}

// HashCode computes HMAC-SHA256 over a code using a secret key (pepper).
// Only the hash is persisted; the plain code goes out of band to the user.
func HashCode(code string, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(code))
	return h.Sum(nil)
}

// VerifyCode compares a submitted code against a stored hash.
func VerifyCode(code string, key, hash []byte) bool {
	if len(hash) == 0 {
		return false
	}
	return hmac.Equal(HashCode(code, key), hash)
}

// ValidateTOTP checks a time-based code against the user's enrolled secret.
func ValidateTOTP(code, secret string) bool {
	if secret == "" {
		return false
	}
	return totp.Validate(code, secret)
}
