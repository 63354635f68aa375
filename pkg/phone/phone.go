// pkg/phone/phone.go
// Package phone normalizes Kenyan subscriber numbers into the 254XXXXXXXXX
// form the payment provider expects. This is the only normalization in the
// codebase; every place that accepts an external phone number goes through it.
package phone

import (
	"errors"
	"strings"
)

const countryCode = "254"

// normalized numbers are country code + 9 subscriber digits
const normalizedLen = 12

var ErrInvalidPhone = errors.New("invalid phone number")

// Normalize converts raw input into canonical 254XXXXXXXXX form.
//
//	0712345678   -> 254712345678
//	+254712345678 -> 254712345678
//	254712345678 -> 254712345678
//	712345678    -> 254712345678
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")
	s = strings.ReplaceAll(s, " ", "")

	if s == "" || !digitsOnly(s) {
		return "", ErrInvalidPhone
	}
	if len(s) < 9 || len(s) > 13 {
		return "", ErrInvalidPhone
	}

	switch {
	case strings.HasPrefix(s, "0"):
		s = countryCode + s[1:]
	case strings.HasPrefix(s, countryCode):
		// already canonical
	case len(s) < normalizedLen:
		// assume a bare local subscriber number
		s = countryCode + s
	}

	if len(s) != normalizedLen || !strings.HasPrefix(s, countryCode) {
		return "", ErrInvalidPhone
	}
	return s, nil
}

// Validate normalizes raw and checks it against the allowed subscriber
// prefixes. An empty prefix list accepts any normalized number.
func Validate(raw string, allowedPrefixes []string) (string, error) {
	normalized, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	if len(allowedPrefixes) == 0 {
		return normalized, nil
	}
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return normalized, nil
		}
	}
	return "", ErrInvalidPhone
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
