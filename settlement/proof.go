package settlement

import (
	"net/http"

	"github.com/vitwit/x402-approvals/types"
	"github.com/vitwit/x402-approvals/utils"
)

// Proof and settlement-response header names per protocol version.
const (
	HeaderPaymentV1  = "X-PAYMENT"
	HeaderPaymentV2  = "PAYMENT-SIGNATURE"
	HeaderResponseV1 = "X-PAYMENT-RESPONSE"
	HeaderResponseV2 = "PAYMENT-RESPONSE"
)

// BuildPaymentPayload assembles the proof for a signed authorization. Version 1
// proofs name the scheme and network; version 2 proofs carry the resource and
// extensions of the challenge. Both echo the selected requirement as accepted.
func BuildPaymentPayload(res *types.Resolution, auth types.EIP3009Authorization, signature string) (*types.PaymentPayload, error) {
	if res == nil || res.Challenge == nil {
		return nil, types.NewError(types.ErrRequirementIncomplete, "no resolved requirement")
	}
	if signature == "" {
		return nil, types.NewError(types.ErrInvalidSignature, "signature is required")
	}

	p := &types.PaymentPayload{
		X402Version: res.Challenge.X402Version,
		Accepted:    res.Requirement.Raw,
		Payload: types.EIP3009Payload{
			Signature:     signature,
			Authorization: auth,
		},
	}

	switch res.Challenge.X402Version {
	case int(types.X402Version1):
		p.Scheme = res.Requirement.Scheme
		p.Network = res.Requirement.Network
	default:
		p.Resource = res.Challenge.Resource
		p.Extensions = res.Challenge.Extensions
	}
	return p, nil
}

// ProofHeaderName returns the request header that carries a proof of the given version.
func ProofHeaderName(version int) string {
	if version == int(types.X402Version1) {
		return HeaderPaymentV1
	}
	return HeaderPaymentV2
}

// EncodeProofHeaders renders the payload as base64 JSON under the header its
// version expects.
func EncodeProofHeaders(p *types.PaymentPayload) (map[string]string, error) {
	encoded, err := utils.EncodeBase64JSON(p)
	if err != nil {
		return nil, types.WrapError(types.ErrInvalidPayload, err, "cannot encode payment proof")
	}
	return map[string]string{ProofHeaderName(p.X402Version): encoded}, nil
}

// DecodeProofHeader parses a proof header value, base64 or plain JSON.
func DecodeProofHeader(value string) (*types.PaymentPayload, error) {
	var p types.PaymentPayload
	if err := utils.DecodeJSONOrBase64(value, &p); err != nil {
		return nil, types.WrapError(types.ErrInvalidPayload, err, "cannot decode payment proof")
	}
	return &p, nil
}

// ProofFromRequest reads whichever proof header is present on h.
func ProofFromRequest(h http.Header) (*types.PaymentPayload, error) {
	for _, name := range []string{HeaderPaymentV2, HeaderPaymentV1} {
		if v := h.Get(name); v != "" {
			return DecodeProofHeader(v)
		}
	}
	return nil, types.NewError(types.ErrInvalidPayload, "no payment proof header")
}
