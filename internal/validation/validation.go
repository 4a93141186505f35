// Package validation holds the field checks shared by the cart, checkout and
// gateway handlers. Every function is pure.
package validation

import (
	"errors"
	"strings"
)

var (
	ErrPhoneRequired    = errors.New("phone number is required")
	ErrPhoneCountryCode = errors.New("remove the country code and enter the 10-digit mobile number")
	ErrPhoneInvalid     = errors.New("enter a valid 10-digit mobile number")
	ErrPincodeRequired  = errors.New("pincode is required")
	ErrPincodeInvalid   = errors.New("enter a valid 6-digit pincode")
	ErrOTPCodeRequired  = errors.New("enter the verification code")
	ErrRequired         = errors.New("this field is required")
)

// DefaultCountryCode is the dialing prefix for Indian mobile numbers.
const DefaultCountryCode = "91"

const (
	countryCodeLen = len(DefaultCountryCode)
	phoneDigits    = 10
	pincodeDigits  = 6
)

// Digits drops every non-digit rune.
func Digits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidatePhone accepts a 10-digit Indian mobile number in any formatting.
func ValidatePhone(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrPhoneRequired
	}

	digits := Digits(raw)
	switch {
	case len(digits) == phoneDigits:
		return nil
	case len(digits) == phoneDigits+countryCodeLen && strings.HasPrefix(digits, DefaultCountryCode):
		return ErrPhoneCountryCode
	case len(digits) == phoneDigits+1 && digits[0] == '0':
		return ErrPhoneCountryCode
	default:
		return ErrPhoneInvalid
	}
}

// ValidatePincode accepts a 6-digit postal code.
func ValidatePincode(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrPincodeRequired
	}
	digits := Digits(raw)
	if len(digits) != pincodeDigits {
		return ErrPincodeInvalid
	}
	return nil
}

// NormalizePhone returns the digits of a phone number.
func NormalizePhone(raw string) string {
	return Digits(raw)
}

// FormatPhoneDisplay renders a 10-digit number as "+91 98765 43210". Other
// inputs are returned unchanged.
func FormatPhoneDisplay(raw string) string {
	digits := Digits(raw)
	if len(digits) != phoneDigits {
		return raw
	}
	return "+" + DefaultCountryCode + " " + digits[:5] + " " + digits[5:]
}

// PhoneIdentifier builds the provider identifier: country code followed by the
// local digits, no plus sign and no separators.
func PhoneIdentifier(countryCode, raw string) string {
	cc := Digits(countryCode)
	if cc == "" {
		cc = DefaultCountryCode
	}
	return cc + Digits(raw)
}

// Required reports ErrRequired when value is blank.
func Required(value string) error {
	if strings.TrimSpace(value) == "" {
		return ErrRequired
	}
	return nil
}
