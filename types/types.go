package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
	X402Version2 X402Version = 2
)

// Network represents a protocol network identifier as it appears in payment requirements.
type Network string

const (
	// Legacy plain names
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkBase        Network = "base"
)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
)

// RequirementShape tags which wire shape a 402 challenge arrived in.
type RequirementShape string

const (
	ShapeList     RequirementShape = "list"
	ShapeEnvelope RequirementShape = "envelope"
)

// AmountSource reports which requirement key produced the resolved amount.
type AmountSource int

const (
	AmountUnknown AmountSource = iota
	AmountCurrent
	AmountLegacy
)

func (s AmountSource) String() string {
	switch s {
	case AmountCurrent:
		return "amount"
	case AmountLegacy:
		return "maxAmountRequired"
	default:
		return "unknown"
	}
}

// ResourceInfo describes the resource a challenge is guarding.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Requirement is the canonical form of one entry of a challenge's accepts list,
// whichever wire version it came from.
type Requirement struct {
	// Scheme of the payment protocol to use (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network the payment settles on, CAIP-2 ("eip155:8453") or legacy ("base").
	Network string `json:"network"`

	// Amount is the current-version amount key.
	Amount *string `json:"amount,omitempty"`

	// MaxAmountRequired is the legacy amount key.
	MaxAmountRequired *string `json:"maxAmountRequired,omitempty"`

	// Address to which the payment must be sent.
	PayTo string `json:"payTo"`

	// Address of the EIP-3009 compliant ERC20 contract.
	Asset string `json:"asset,omitempty"`

	Resource          string         `json:"resource,omitempty"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`

	// Raw is the requirement object exactly as received; it is echoed back
	// as the "accepted" field of the payment proof.
	Raw json.RawMessage `json:"-"`
}

// ResolveAmount applies the amount precedence: current key, then legacy key, then unknown.
func (r Requirement) ResolveAmount() (string, AmountSource) {
	if r.Amount != nil && *r.Amount != "" {
		return *r.Amount, AmountCurrent
	}
	if r.MaxAmountRequired != nil && *r.MaxAmountRequired != "" {
		return *r.MaxAmountRequired, AmountLegacy
	}
	return "", AmountUnknown
}

// ExtraString reads a string value from the scheme-specific extra map.
func (r Requirement) ExtraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	if s, ok := r.Extra[key].(string); ok {
		return s
	}
	return ""
}

// Challenge is a parsed 402 challenge, normalized from either wire shape.
type Challenge struct {
	Shape       RequirementShape `json:"shape"`
	X402Version int              `json:"x402Version"`
	Resource    *ResourceInfo    `json:"resource,omitempty"`
	Accepts     []Requirement    `json:"accepts"`
	Extensions  json.RawMessage  `json:"extensions,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Resolution is the outcome of selecting a requirement for a chain.
type Resolution struct {
	Challenge    *Challenge   `json:"-"`
	Requirement  Requirement  `json:"requirement"`
	Amount       string       `json:"amount"`
	AmountSource AmountSource `json:"-"`
	PayTo        string       `json:"payTo"`
	// Fallback is set when no entry matched the chain and the first entry was used.
	Fallback bool `json:"fallback"`
}

// PaymentPayload is the JSON carried in the payment proof header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme,omitempty"`
	Network     string          `json:"network,omitempty"`
	Resource    *ResourceInfo   `json:"resource,omitempty"`
	Accepted    json.RawMessage `json:"accepted,omitempty"`
	Payload     EIP3009Payload  `json:"payload"`
	Extensions  json.RawMessage `json:"extensions,omitempty"`
}

// SettleResponse is the settlement descriptor a resource server returns in the
// PAYMENT-RESPONSE / X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// Error types
type X402Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Err     error  `json:"-"`
}

func (e *X402Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *X402Error) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrPaymentNotFound       = "PAYMENT_NOT_FOUND"
	ErrAlreadyProcessed      = "ALREADY_PROCESSED"
	ErrExpiredPayment        = "PAYMENT_EXPIRED"
	ErrMalformedRequirements = "MALFORMED_REQUIREMENTS"
	ErrRequirementIncomplete = "REQUIREMENT_INCOMPLETE"
	ErrNetworkError          = "NETWORK_ERROR"
	ErrUpstreamRejected      = "UPSTREAM_REJECTED"
	ErrUnsupportedChain      = "UNSUPPORTED_CHAIN"
	ErrAuthorizationMismatch = "AUTHORIZATION_MISMATCH"
	ErrInvalidSignature      = "INVALID_SIGNATURE"
	ErrInvalidTransition     = "INVALID_TRANSITION"
	ErrStatePersistFailed    = "STATE_PERSIST_FAILED"
	ErrInvalidPayload        = "INVALID_PAYLOAD"
	ErrConfigError           = "CONFIG_ERROR"
)

// NewError builds an X402Error with a formatted message.
func NewError(code, format string, args ...any) *X402Error {
	return &X402Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an X402Error that wraps err.
func WrapError(code string, err error, format string, args ...any) *X402Error {
	return &X402Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// ErrorCode returns the code of the first X402Error in err's chain, or "".
func ErrorCode(err error) string {
	var xe *X402Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return ""
}

// IsCode reports whether err carries the given X402Error code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

func (n Network) IsTestnet() bool {
	return n == NetworkPolygonAmoy || n == NetworkBaseSepolia
}

func (n Network) String() string {
	return string(n)
}
