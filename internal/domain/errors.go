// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

// Validation failures. Each rejected input gets its own sentinel so callers
// can tell the cases apart without string matching.
var (
	ErrAmountNotANumber = errors.New("amount is not a number")
	ErrAmountTooLow     = errors.New("amount is below the minimum")
	ErrAmountTooHigh    = errors.New("amount is above the maximum")
	ErrInvalidPhone     = errors.New("invalid phone number")
	ErrReferenceTooLong = fmt.Errorf("account reference exceeds %d characters", MaxAccountReferenceLen)
	ErrCallbackURLOffDomain = errors.New("callback URL is outside the configured public base URL")
	ErrInvalidMethod        = errors.New("unsupported payment method")
)

// ErrTimeout marks an STK push attempt that exceeded its deadline. It is the
// only failure the initiation path retries automatically.
var ErrTimeout = errors.New("request to payment provider timed out")

// ErrDonationNotFound is returned by the store when no donation matches.
var ErrDonationNotFound = errors.New("donation not found")

// AccessTokenError reports a failed OAuth token exchange with the provider.
type AccessTokenError struct {
	Message string
	Err     error
}

func (e *AccessTokenError) Error() string {
	if e.Message != "" {
		return "access token request failed: " + e.Message
	}
	return "access token request failed"
}

func (e *AccessTokenError) Unwrap() error { return e.Err }

// ProviderError carries the provider's own error envelope for a rejected
// request. Never retried automatically.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	}
	return "provider error: " + e.Message
}

// IsValidationError reports whether err is one of the input validation
// sentinels, i.e. a caller error that must not be retried.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrAmountNotANumber, ErrAmountTooLow, ErrAmountTooHigh,
		ErrInvalidPhone, ErrReferenceTooLong, ErrCallbackURLOffDomain,
		ErrInvalidMethod,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
