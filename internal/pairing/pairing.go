// Package pairing provides pairing-code generation and request validation
// for the pairing relay.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// Alphabet excludes the visually ambiguous I, O, 0 and 1.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// CodeLength is the number of symbols in a pairing code.
	CodeLength = 6

	MinAddressDigits = 10
	MaxAddressDigits = 15

	MinAttempts = 1
	MaxAttempts = 5
)

// ErrInvalidInput is returned for malformed addresses or out-of-range counts.
var ErrInvalidInput = errors.New("invalid input")

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// GenerateCode returns a random CodeLength-symbol code drawn from Alphabet.
func GenerateCode() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// IsValidCode reports whether code has the right length and only uses
// symbols from Alphabet.
func IsValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// NormalizeAddress strips every non-digit from raw and checks that the
// remaining digits form a 10-15 digit destination.
func NormalizeAddress(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: phone number is required", ErrInvalidInput)
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) < MinAddressDigits || len(digits) > MaxAddressDigits {
		return "", fmt.Errorf("%w: phone number must be %d-%d digits", ErrInvalidInput, MinAddressDigits, MaxAddressDigits)
	}
	return digits, nil
}

// ValidateAttempts checks that count is within [MinAttempts, MaxAttempts].
func ValidateAttempts(count int) error {
	if count < MinAttempts || count > MaxAttempts {
		return fmt.Errorf("%w: count must be between %d and %d", ErrInvalidInput, MinAttempts, MaxAttempts)
	}
	return nil
}

// MaskAddress hides all but the last four digits of an address for logs
// and persisted history.
func MaskAddress(address string) string {
	if len(address) <= 4 {
		return strings.Repeat("*", len(address))
	}
	return strings.Repeat("*", len(address)-4) + address[len(address)-4:]
}

// FormatMessage renders the text delivered to the target for one attempt.
func FormatMessage(code string) string {
	return "🔐 *PAIRING CODE*\n\n" +
		"Your pairing code: *" + code + "*\n\n" +
		"Use this code to link a new device to your account.\n\n" +
		"⏰ The code is valid for 10 minutes\n" +
		"🔒 Never share this code with anyone!\n\n" +
		"If you did not request this code, ignore this message."
}
