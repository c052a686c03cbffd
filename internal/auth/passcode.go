package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Login passcodes are short-lived, single-use, and typed by humans, so
// the pool sticks to hex digits plus shifted-number punctuation.
const (
	passcodeAlphabet = "0123456789abcdefABCDEF!@#$%^&*_=+"
	passcodeLength   = 6
)

// GeneratePasscode draws a passcode uniformly from the alphabet, one
// crypto/rand sample per position.
func GeneratePasscode() (string, error) {
	pool := big.NewInt(int64(len(passcodeAlphabet)))
	code := make([]byte, passcodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, pool)
		if err != nil {
			return "", fmt.Errorf("draw passcode symbol: %w", err)
		}
		code[i] = passcodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
