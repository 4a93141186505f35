package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePhone(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  error
	}{
		{"plain", "9876543210", nil},
		{"formatted", "98765-43210", nil},
		{"spaces", " 98765 43210 ", nil},
		{"empty", "", ErrPhoneRequired},
		{"blank", "   ", ErrPhoneRequired},
		{"short", "98765", ErrPhoneInvalid},
		{"long", "98765432101234", ErrPhoneInvalid},
		{"with plus country code", "+91 98765 43210", ErrPhoneCountryCode},
		{"with bare country code", "919876543210", ErrPhoneCountryCode},
		{"with trunk zero", "09876543210", ErrPhoneCountryCode},
		{"letters only", "phone", ErrPhoneInvalid},
		{"twelve digits other prefix", "449876543210", ErrPhoneInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ValidatePhone(tc.input))
		})
	}
}

func TestValidatePhone_AcceptsExactlyTenDigits(t *testing.T) {
	for n := 0; n <= 14; n++ {
		input := ""
		for i := 0; i < n; i++ {
			input += "7"
		}
		err := ValidatePhone(input)
		if n == 10 {
			assert.NoError(t, err, "length %d", n)
		} else {
			assert.Error(t, err, "length %d", n)
		}
	}
}

func TestValidatePincode(t *testing.T) {
	assert.NoError(t, ValidatePincode("560001"))
	assert.NoError(t, ValidatePincode("560 001"))
	assert.Equal(t, ErrPincodeRequired, ValidatePincode(""))
	assert.Equal(t, ErrPincodeInvalid, ValidatePincode("56001"))
	assert.Equal(t, ErrPincodeInvalid, ValidatePincode("5600011"))
	assert.Equal(t, ErrPincodeInvalid, ValidatePincode("abcdef"))
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "9876543210", NormalizePhone("+91-98765 43210")[2:])
	assert.Equal(t, "+91 98765 43210", FormatPhoneDisplay("98765-43210"))
	assert.Equal(t, "12345", FormatPhoneDisplay("12345"))
	assert.Equal(t, "919876543210", PhoneIdentifier("+91", "98765 43210"))
	assert.Equal(t, "919876543210", PhoneIdentifier("", "9876543210"))
}

func TestRequired(t *testing.T) {
	assert.NoError(t, Required("x"))
	assert.Equal(t, ErrRequired, Required("  "))
}
