package checkout

import (
	"net/url"
	"strings"
)

// DefaultReturnPath is where a restored checkout lands when the saved path is
// missing or unsafe.
const DefaultReturnPath = "/checkout"

// CheckoutDraft is the resumable part of a checkout, saved before an external
// sign-in redirect and read back once on return. It has no verification
// fields: a restored checkout always verifies the phone again.
type CheckoutDraft struct {
	Contact       Contact  `json:"contact"`
	Shipping      Shipping `json:"shipping"`
	PaymentMethod string   `json:"payment_method,omitempty"`
	ReturnPath    string   `json:"return_path"`
}

// SanitizeReturnPath keeps only same-site relative paths.
func SanitizeReturnPath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return DefaultReturnPath
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return DefaultReturnPath
	}
	return u.RequestURI()
}

func (d CheckoutDraft) normalized() CheckoutDraft {
	d.ReturnPath = SanitizeReturnPath(d.ReturnPath)
	if !validPaymentMethod(d.PaymentMethod) {
		d.PaymentMethod = ""
	}
	return d
}

// applyTo copies the non-empty draft fields onto a fresh state.
func (d CheckoutDraft) applyTo(st *State) {
	if d.Contact.Email != "" {
		st.Contact.Email = d.Contact.Email
	}
	if d.Contact.Phone != "" {
		st.Contact.Phone = d.Contact.Phone
	}
	if d.Shipping != (Shipping{}) {
		st.Shipping = d.Shipping
	}
	if d.PaymentMethod != "" {
		st.PaymentMethod = d.PaymentMethod
	}
}
