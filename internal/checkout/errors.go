package checkout

import (
	"errors"
	"fmt"
)

// Kind classifies checkout failures for the caller.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindVerification   Kind = "verification"
	KindPaymentCreate  Kind = "payment_create"
	KindPaymentVerify  Kind = "payment_verify"
	KindConfiguration  Kind = "configuration"
	KindPersistence    Kind = "persistence"
	KindState          Kind = "state"
)

// Error is returned by every checkout operation that fails for a reason the
// shopper or operator can act on.
type Error struct {
	Kind      Kind              `json:"kind"`
	Field     string            `json:"field,omitempty"`
	Message   string            `json:"message"`
	Hint      string            `json:"hint,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable"`
	Err       error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("checkout %s (%s): %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("checkout %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the checkout kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func stateError(msg, hint string) *Error {
	return &Error{Kind: KindState, Message: msg, Hint: hint}
}

func errPaymentUnsaved() *Error {
	return stateError("a payment was received but the order is not saved yet", "Confirm the payment again to place the order.")
}

func fieldError(field string, err error) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: err.Error(), Fields: map[string]string{field: err.Error()}}
}

// fieldErrors collects per-field problems so every field can be corrected
// independently. It returns nil when there are none.
type fieldErrors struct {
	order  []string
	fields map[string]string
}

func (f *fieldErrors) add(field string, err error) {
	if err == nil {
		return
	}
	if f.fields == nil {
		f.fields = map[string]string{}
	}
	if _, seen := f.fields[field]; !seen {
		f.order = append(f.order, field)
	}
	f.fields[field] = err.Error()
}

func (f *fieldErrors) err() error {
	if len(f.order) == 0 {
		return nil
	}
	first := f.order[0]
	return &Error{
		Kind:    KindValidation,
		Field:   first,
		Message: f.fields[first],
		Fields:  f.fields,
	}
}
