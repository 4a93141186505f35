package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// OTPErrorKind classifies OTP adapter failures.
type OTPErrorKind string

const (
	OTPProviderUnreachable  OTPErrorKind = "provider_unreachable"
	OTPProviderFailure      OTPErrorKind = "provider_failure"
	OTPConfigurationMissing OTPErrorKind = "configuration_missing"
	OTPInvalidCode          OTPErrorKind = "invalid_code"
)

// OTPError is returned by every failing OTP operation.
type OTPError struct {
	Kind            OTPErrorKind
	Message         string
	CaptchaRequired bool
	Err             error
}

func (e *OTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("otp %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("otp %s", e.Kind)
}

func (e *OTPError) Unwrap() error {
	return e.Err
}

// Hint tells the shopper what to try next.
func (e *OTPError) Hint() string {
	switch {
	case e.CaptchaRequired:
		return "Complete the captcha challenge, then request a new code."
	case e.Kind == OTPInvalidCode:
		return "Check the code or request a new one."
	case e.Kind == OTPProviderUnreachable:
		return "The verification service is unavailable. Try again in a moment."
	case e.Kind == OTPConfigurationMissing:
		return "Phone verification is not configured. Contact the store operator."
	default:
		return "Request a new code and try again."
	}
}

// OTPConfig holds the provider credentials.
type OTPConfig struct {
	BaseURL    string
	AuthKey    string
	TemplateID string
	Timeout    time.Duration
}

// OTPService forwards send/verify calls to the OTP provider. It keeps no
// state; the provider enforces expiry and single use of codes.
type OTPService struct {
	cfg    OTPConfig
	client *http.Client
}

func NewOTPService(cfg OTPConfig) *OTPService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OTPService{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

// Configured reports whether credentials are present.
func (s *OTPService) Configured() bool {
	return s.cfg.BaseURL != "" && s.cfg.AuthKey != ""
}

// SendOTP asks the provider to text a code to identifier (country code plus
// local digits) and returns the provider's request token.
func (s *OTPService) SendOTP(ctx context.Context, identifier string) (string, error) {
	if !s.Configured() {
		return "", &OTPError{Kind: OTPConfigurationMissing, Message: "OTP provider credentials are not set"}
	}

	body := map[string]string{"identifier": identifier}
	if s.cfg.TemplateID != "" {
		body["template_id"] = s.cfg.TemplateID
	}

	status, payload, err := s.post(ctx, "/otp/send", body)
	if err != nil {
		return "", err
	}

	if status >= 500 {
		return "", &OTPError{Kind: OTPProviderUnreachable, Message: providerMessage(payload, fmt.Sprintf("provider returned status %d", status))}
	}
	if status >= 300 || providerFailed(payload) {
		msg := providerMessage(payload, "the provider rejected the request")
		return "", &OTPError{Kind: OTPProviderFailure, Message: msg, CaptchaRequired: mentionsCaptcha(msg)}
	}

	token, ok := extractRequestToken(payload)
	if !ok {
		log.Printf("[OTP] send succeeded without a recognizable request token")
		return "", &OTPError{Kind: OTPProviderFailure, Message: "the provider did not return a request token"}
	}
	return token, nil
}

// VerifyOTP checks code against the challenge identified by requestToken.
func (s *OTPService) VerifyOTP(ctx context.Context, requestToken, code string) error {
	if !s.Configured() {
		return &OTPError{Kind: OTPConfigurationMissing, Message: "OTP provider credentials are not set"}
	}
	if strings.TrimSpace(requestToken) == "" || strings.TrimSpace(code) == "" {
		return &OTPError{Kind: OTPInvalidCode, Message: "request token and code are required"}
	}

	status, payload, err := s.post(ctx, "/otp/verify", map[string]string{
		"requestToken": requestToken,
		"code":         strings.TrimSpace(code),
	})
	if err != nil {
		return err
	}

	if status >= 500 {
		return &OTPError{Kind: OTPProviderUnreachable, Message: providerMessage(payload, fmt.Sprintf("provider returned status %d", status))}
	}
	if status >= 300 || providerFailed(payload) {
		return &OTPError{Kind: OTPInvalidCode, Message: providerMessage(payload, "the code could not be verified")}
	}
	return nil
}

func (s *OTPService) post(ctx context.Context, path string, body any) (int, map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("otp request marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, &OTPError{Kind: OTPConfigurationMissing, Message: "invalid OTP provider URL", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authkey", s.cfg.AuthKey)

	resp, err := s.client.Do(req)
	if err != nil {
		log.Printf("[OTP] %s request failed: %v", path, err)
		return 0, nil, &OTPError{Kind: OTPProviderUnreachable, Message: "could not reach the verification service", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &OTPError{Kind: OTPProviderUnreachable, Message: "could not read the verification response", Err: err}
	}

	payload := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			if resp.StatusCode >= 500 {
				return resp.StatusCode, payload, nil
			}
			return 0, nil, &OTPError{Kind: OTPProviderFailure, Message: "unreadable provider response", Err: err}
		}
	}
	return resp.StatusCode, payload, nil
}

// providerFailed detects error payloads sent with a 2xx status.
func providerFailed(payload map[string]any) bool {
	if v, ok := payload["success"].(bool); ok && !v {
		return true
	}
	if v, ok := payload["type"].(string); ok && strings.EqualFold(v, "error") {
		return true
	}
	if v, ok := payload["status"].(string); ok {
		switch strings.ToLower(v) {
		case "error", "failed", "failure":
			return true
		}
	}
	switch v := payload["error"].(type) {
	case string:
		return strings.TrimSpace(v) != ""
	case map[string]any:
		return len(v) > 0
	case bool:
		return v
	}
	return false
}

func providerMessage(payload map[string]any, fallback string) string {
	if e, ok := payload["error"].(map[string]any); ok {
		if msg, ok := e["message"].(string); ok && msg != "" {
			return msg
		}
	}
	for _, key := range []string{"error", "message", "msg", "description"} {
		if msg, ok := payload[key].(string); ok && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}
	return fallback
}

func mentionsCaptcha(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "captcha")
}

// tokenStrategy pulls a request token out of one known response shape.
type tokenStrategy func(payload map[string]any) (string, bool)

// Provider responses name the token differently across API versions; the
// strategies are tried in order.
var tokenStrategies = []tokenStrategy{
	topLevelString("requestToken"),
	topLevelString("request_token"),
	topLevelString("reqId"),
	topLevelString("request_id"),
	topLevelString("requestId"),
	nestedString("data", "requestToken"),
	nestedString("data", "reqId"),
	nestedString("data", "request_id"),
	messageAsToken,
}

func extractRequestToken(payload map[string]any) (string, bool) {
	for _, strategy := range tokenStrategies {
		if token, ok := strategy(payload); ok {
			return token, true
		}
	}
	return "", false
}

func topLevelString(key string) tokenStrategy {
	return func(payload map[string]any) (string, bool) {
		return nonEmptyString(payload[key])
	}
}

func nestedString(parent, key string) tokenStrategy {
	return func(payload map[string]any) (string, bool) {
		inner, ok := payload[parent].(map[string]any)
		if !ok {
			return "", false
		}
		return nonEmptyString(inner[key])
	}
}

// messageAsToken covers providers that return the token as the bare message
// of a success response, e.g. {"type":"success","message":"3463..."}. Without
// an explicit success marker the message is an error code, not a token.
func messageAsToken(payload map[string]any) (string, bool) {
	if !markedSuccess(payload) {
		return "", false
	}
	msg, ok := nonEmptyString(payload["message"])
	if !ok || strings.ContainsAny(msg, " \t\n") {
		return "", false
	}
	return msg, true
}

func markedSuccess(payload map[string]any) bool {
	if v, ok := payload["success"].(bool); ok && v {
		return true
	}
	v, ok := payload["type"].(string)
	return ok && strings.EqualFold(strings.TrimSpace(v), "success")
}

// Numbers arrive as json.Number so long numeric ids keep every digit.
func nonEmptyString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case json.Number:
		return t.String(), t != ""
	}
	return "", false
}

// IsOTPKind reports whether err is an OTPError of the given kind.
func IsOTPKind(err error, kind OTPErrorKind) bool {
	var otpErr *OTPError
	return errors.As(err, &otpErr) && otpErr.Kind == kind
}
