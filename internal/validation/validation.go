// Package validation provides request field validators and body-size limits
// for the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gigvault/escrowd/internal/ada"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxStringLength bounds free-text fields (reasons, messages, descriptions).
const MaxStringLength = 10000

var (
	// Shelley-era bech32 addresses. Checksums are verified by the cardano
	// package for script addresses; user wallets are only shape-checked.
	cardanoAddressRegex = regexp.MustCompile(`^addr(_test)?1[02-9ac-hj-np-z]{50,}$`)
	ethAddressRegex     = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	hexRegex            = regexp.MustCompile(`^[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsCardanoAddress reports whether addr looks like a bech32 payment address.
func IsCardanoAddress(addr string) bool {
	return cardanoAddressRegex.MatchString(addr)
}

// IsEthAddress reports whether addr is a 0x-prefixed 20-byte hex address.
func IsEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsHex reports whether s is non-empty, even-length hex without a prefix.
func IsHex(s string) bool {
	return len(s)%2 == 0 && hexRegex.MatchString(s)
}

// IsTxHash reports whether s is a 32-byte transaction hash in hex.
func IsTxHash(s string) bool {
	return len(s) == 64 && hexRegex.MatchString(s)
}

// SanitizeString trims whitespace, drops NUL bytes and truncates to maxLen.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + " " + e[0].Message
}

// Rule is a single deferred field check.
type Rule func() *ValidationError

// Validate runs rules in order and collects the failures.
func Validate(rules ...Rule) ValidationErrors {
	var errs ValidationErrors
	for _, r := range rules {
		if err := r(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-blank.
func Required(field, value string) Rule {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) Rule {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks an ADA decimal string (up to 6 places) is > 0.
// Empty values pass; combine with Required.
func PositiveAmount(field, value string) Rule {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := ada.ParsePositive(value); !ok {
			return &ValidationError{Field: field, Message: "must be a positive ADA amount with at most 6 decimals"}
		}
		return nil
	}
}

// FutureTime checks that t is strictly after now.
func FutureTime(field string, t, now time.Time) Rule {
	return func() *ValidationError {
		if t.IsZero() {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if !t.After(now) {
			return &ValidationError{Field: field, Message: "must be in the future"}
		}
		return nil
	}
}

// TxHash checks a 64-char hex transaction hash. Empty values pass.
func TxHash(field, value string) Rule {
	return func() *ValidationError {
		if value != "" && !IsTxHash(value) {
			return &ValidationError{Field: field, Message: "must be a 64-character hex transaction hash"}
		}
		return nil
	}
}

// Hex checks an even-length hex string. Empty values pass.
func Hex(field, value string) Rule {
	return func() *ValidationError {
		if value != "" && !IsHex(value) {
			return &ValidationError{Field: field, Message: "must be hex encoded"}
		}
		return nil
	}
}

// CardanoAddress checks a bech32 payment address. Empty values pass.
func CardanoAddress(field, value string) Rule {
	return func() *ValidationError {
		if value != "" && !IsCardanoAddress(value) {
			return &ValidationError{Field: field, Message: "must be a bech32 Cardano address (addr1... or addr_test1...)"}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed. Empty values pass.
func OneOf(field, value string, allowed ...string) Rule {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}
