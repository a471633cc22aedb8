// Package validation provides input validation helpers and middleware for the
// trust score API.
package validation

import (
	"crypto/ed25519"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"

	"github.com/blockid/trustledger/internal/pda"
)

// MaxRequestSize is the maximum request body size (64KB). The largest body is
// a 100-wallet batch read.
const MaxRequestSize = 64 << 10

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPublicKey checks that s is base58 for exactly 32 bytes.
func IsValidPublicKey(s string) bool {
	_, err := pda.ParsePublicKey(s)
	return err == nil
}

// IsValidSignature checks that s is base58 for an ed25519 signature.
func IsValidSignature(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == ed25519.SignatureSize
}

// SanitizeKey trims whitespace around a base58 key.
func SanitizeKey(s string) string {
	return strings.TrimSpace(s)
}

// ValidationError represents a validation error
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
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidPublicKey checks that a non-empty field is a base58 public key.
func ValidPublicKey(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidPublicKey(value) {
			return &ValidationError{Field: field, Message: "must be a base58-encoded 32-byte public key"}
		}
		return nil
	}
}

// ValidSignature checks that a non-empty field is a base58 ed25519 signature.
func ValidSignature(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidSignature(value) {
			return &ValidationError{Field: field, Message: "must be a base58-encoded 64-byte ed25519 signature"}
		}
		return nil
	}
}

// IntRange checks min <= value <= max.
func IntRange(field string, value, min, max int) func() *ValidationError {
	return func() *ValidationError {
		if value < min || value > max {
			return &ValidationError{Field: field, Message: "must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max)}
		}
		return nil
	}
}

// MinItems and MaxItems check a list length.
func MinItems(field string, n, min int) func() *ValidationError {
	return func() *ValidationError {
		if n < min {
			return &ValidationError{Field: field, Message: "must contain at least " + strconv.Itoa(min) + " item(s)"}
		}
		return nil
	}
}

func MaxItems(field string, n, max int) func() *ValidationError {
	return func() *ValidationError {
		if n > max {
			return &ValidationError{Field: field, Message: "must contain at most " + strconv.Itoa(max) + " items"}
		}
		return nil
	}
}

// KeyParamMiddleware rejects requests whose named URL params are not base58
// public keys.
func KeyParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidPublicKey(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_" + p,
					"message": p + " must be a base58-encoded 32-byte public key",
				})
				return
			}
		}
		c.Next()
	}
}
