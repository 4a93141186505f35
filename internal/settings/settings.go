package settings

import (
	"github.com/shopspring/decimal"
)

// Settings are the store-wide knobs the checkout reads. They are edited from
// the admin panel and kept in a flat JSON file.
type Settings struct {
	StoreName             string          `json:"store_name"`
	Currency              string          `json:"currency"`
	FreeShippingThreshold decimal.Decimal `json:"free_shipping_threshold"`
	StandardShippingRate  decimal.Decimal `json:"standard_shipping_rate"`
	CODEnabled            bool            `json:"cod_enabled"`
	CODLimit              decimal.Decimal `json:"cod_limit"`
	RazorpayEnabled       bool            `json:"razorpay_enabled"`
	TaxIncluded           bool            `json:"tax_included"`
}

// Defaults returns the settings used for any key absent from the file.
func Defaults() Settings {
	return Settings{
		StoreName:             "Storefront",
		Currency:              "INR",
		FreeShippingThreshold: decimal.NewFromInt(1500),
		StandardShippingRate:  decimal.NewFromInt(99),
		CODEnabled:            true,
		CODLimit:              decimal.NewFromInt(10000),
		RazorpayEnabled:       true,
		TaxIncluded:           true,
	}
}

// Patch is the on-disk and admin-update shape. Nil fields keep the current value.
type Patch struct {
	StoreName             *string          `json:"store_name,omitempty"`
	Currency              *string          `json:"currency,omitempty"`
	FreeShippingThreshold *decimal.Decimal `json:"free_shipping_threshold,omitempty"`
	StandardShippingRate  *decimal.Decimal `json:"standard_shipping_rate,omitempty"`
	CODEnabled            *bool            `json:"cod_enabled,omitempty"`
	CODLimit              *decimal.Decimal `json:"cod_limit,omitempty"`
	RazorpayEnabled       *bool            `json:"razorpay_enabled,omitempty"`
	TaxIncluded           *bool            `json:"tax_included,omitempty"`
}

// Apply returns s with every non-nil field of p copied over.
func (s Settings) Apply(p Patch) Settings {
	if p.StoreName != nil {
		s.StoreName = *p.StoreName
	}
	if p.Currency != nil && *p.Currency != "" {
		s.Currency = *p.Currency
	}
	if p.FreeShippingThreshold != nil {
		s.FreeShippingThreshold = *p.FreeShippingThreshold
	}
	if p.StandardShippingRate != nil {
		s.StandardShippingRate = *p.StandardShippingRate
	}
	if p.CODEnabled != nil {
		s.CODEnabled = *p.CODEnabled
	}
	if p.CODLimit != nil {
		s.CODLimit = *p.CODLimit
	}
	if p.RazorpayEnabled != nil {
		s.RazorpayEnabled = *p.RazorpayEnabled
	}
	if p.TaxIncluded != nil {
		s.TaxIncluded = *p.TaxIncluded
	}
	return s
}

// ToPatch is the full patch that reproduces s.
func (s Settings) ToPatch() Patch {
	return Patch{
		StoreName:             &s.StoreName,
		Currency:              &s.Currency,
		FreeShippingThreshold: &s.FreeShippingThreshold,
		StandardShippingRate:  &s.StandardShippingRate,
		CODEnabled:            &s.CODEnabled,
		CODLimit:              &s.CODLimit,
		RazorpayEnabled:       &s.RazorpayEnabled,
		TaxIncluded:           &s.TaxIncluded,
	}
}

// ShippingFee is free at or above the threshold, and for an empty cart.
func (s Settings) ShippingFee(subtotal decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() {
		return decimal.Zero
	}
	if s.FreeShippingThreshold.IsPositive() && subtotal.GreaterThanOrEqual(s.FreeShippingThreshold) {
		return decimal.Zero
	}
	return s.StandardShippingRate
}

// PaymentOptions describes which payment methods the checkout may offer.
type PaymentOptions struct {
	Online bool `json:"online"`
	COD    bool `json:"cod"`
}

// Any reports whether at least one method is available.
func (o PaymentOptions) Any() bool {
	return o.Online || o.COD
}

// PaymentOptions decides the methods for an order total. COD is withheld
// above the COD limit only when an online method exists to fall back on.
func (s Settings) PaymentOptions(total decimal.Decimal, onlineConfigured bool) PaymentOptions {
	opts := PaymentOptions{Online: s.RazorpayEnabled && onlineConfigured}
	if s.CODEnabled {
		overLimit := s.CODLimit.IsPositive() && total.GreaterThan(s.CODLimit)
		opts.COD = !(overLimit && opts.Online)
	}
	return opts
}
