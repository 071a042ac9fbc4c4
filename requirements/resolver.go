// Package requirements parses captured 402 challenges and picks the single
// requirement a pending payment settles against.
package requirements

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vitwit/x402-approvals/chains"
	"github.com/vitwit/x402-approvals/types"
	"github.com/vitwit/x402-approvals/utils"
)

// wireRequirement accepts both the v1 and v2 requirement objects. Amount
// fields stay raw so strings and numbers both decode.
type wireRequirement struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	Amount            json.RawMessage `json:"amount"`
	MaxAmountRequired json.RawMessage `json:"maxAmountRequired"`
	PayTo             string          `json:"payTo"`
	Asset             string          `json:"asset"`
	Resource          json.RawMessage `json:"resource"`
	Description       string          `json:"description"`
	MimeType          string          `json:"mimeType"`
	MaxTimeoutSeconds json.RawMessage `json:"maxTimeoutSeconds"`
	Extra             map[string]any  `json:"extra"`
}

type wireEnvelope struct {
	X402Version *int            `json:"x402Version"`
	Version     *int            `json:"version"`
	Resource    json.RawMessage `json:"resource"`
	Accepts     json.RawMessage `json:"accepts"`
	Extensions  json.RawMessage `json:"extensions"`
	Error       string          `json:"error"`
}

func malformed(format string, args ...any) error {
	return types.NewError(types.ErrMalformedRequirements, format, args...)
}

// Parse discriminates the challenge by shape: a JSON array is the v1 bare list,
// an object with an accepts array is the envelope. Anything else is malformed.
func Parse(raw []byte) (*types.Challenge, error) {
	switch utils.FirstByte(raw) {
	case '[':
		accepts, err := parseAccepts(raw)
		if err != nil {
			return nil, err
		}
		return &types.Challenge{
			Shape:       types.ShapeList,
			X402Version: int(types.X402Version1),
			Accepts:     accepts,
		}, nil

	case '{':
		var env wireEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, malformed("invalid requirements envelope: %v", err)
		}
		if utils.FirstByte(env.Accepts) != '[' {
			return nil, malformed("requirements envelope has no accepts list")
		}
		accepts, err := parseAccepts(env.Accepts)
		if err != nil {
			return nil, err
		}

		ch := &types.Challenge{
			Shape:       types.ShapeEnvelope,
			X402Version: int(types.X402Version2),
			Accepts:     accepts,
			Error:       env.Error,
		}
		switch {
		case env.X402Version != nil:
			ch.X402Version = *env.X402Version
		case env.Version != nil:
			ch.X402Version = *env.Version
		}
		if ch.X402Version <= 0 {
			return nil, malformed("invalid protocol version %d", ch.X402Version)
		}
		ch.Resource = parseResource(env.Resource)
		if len(env.Extensions) > 0 && string(env.Extensions) != "null" {
			ch.Extensions = env.Extensions
		}
		return ch, nil

	default:
		return nil, malformed("unrecognized requirements shape")
	}
}

func parseAccepts(raw []byte) ([]types.Requirement, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, malformed("invalid requirements list: %v", err)
	}
	if len(items) == 0 {
		return nil, malformed("requirements list is empty")
	}

	out := make([]types.Requirement, 0, len(items))
	for i, item := range items {
		req, err := parseRequirement(item)
		if err != nil {
			return nil, malformed("requirement %d: %v", i, err)
		}
		out = append(out, req)
	}
	return out, nil
}

func parseRequirement(raw json.RawMessage) (types.Requirement, error) {
	if utils.FirstByte(raw) != '{' {
		return types.Requirement{}, fmt.Errorf("not an object")
	}

	var w wireRequirement
	if err := json.Unmarshal(raw, &w); err != nil {
		return types.Requirement{}, err
	}

	amount, err := utils.ScalarString(w.Amount)
	if err != nil {
		return types.Requirement{}, fmt.Errorf("amount: %w", err)
	}
	legacy, err := utils.ScalarString(w.MaxAmountRequired)
	if err != nil {
		return types.Requirement{}, fmt.Errorf("maxAmountRequired: %w", err)
	}

	req := types.Requirement{
		Scheme:            strings.TrimSpace(w.Scheme),
		Network:           strings.TrimSpace(w.Network),
		Amount:            amount,
		MaxAmountRequired: legacy,
		PayTo:             strings.TrimSpace(w.PayTo),
		Asset:             strings.TrimSpace(w.Asset),
		Description:       w.Description,
		MimeType:          w.MimeType,
		Extra:             w.Extra,
		Raw:               append(json.RawMessage(nil), raw...),
	}
	if res := parseResource(w.Resource); res != nil {
		req.Resource = res.URL
	}
	if timeout, _ := utils.ScalarString(w.MaxTimeoutSeconds); timeout != nil {
		if n, err := strconv.Atoi(*timeout); err == nil {
			req.MaxTimeoutSeconds = n
		}
	}
	return req, nil
}

// parseResource accepts either a bare URL string or a {url, description, mimeType} object.
func parseResource(raw json.RawMessage) *types.ResourceInfo {
	switch utils.FirstByte(raw) {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return &types.ResourceInfo{URL: s}
		}
	case '{':
		var info types.ResourceInfo
		if json.Unmarshal(raw, &info) == nil {
			return &info
		}
	}
	return nil
}

// Select returns the first exact-scheme requirement whose network names chain.
// When none matches it falls back to the first entry; the second return value
// reports that fallback.
func Select(ch *types.Challenge, chain types.ChainConfig) (types.Requirement, bool) {
	if ch == nil || len(ch.Accepts) == 0 {
		return types.Requirement{}, true
	}
	for _, req := range ch.Accepts {
		if req.Scheme == string(types.SchemeExact) && chains.Accepts(chain, req.Network) {
			return req, false
		}
	}
	return ch.Accepts[0], true
}

// Resolve parses raw, selects the requirement for chain and checks it carries
// the economic terms needed to pay it.
func Resolve(raw []byte, chain types.ChainConfig) (*types.Resolution, error) {
	ch, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	req, fallback := Select(ch, chain)
	if req.PayTo == "" {
		return nil, types.NewError(types.ErrRequirementIncomplete, "requirement has no payTo")
	}
	amount, source := req.ResolveAmount()
	if source == types.AmountUnknown {
		return nil, types.NewError(types.ErrRequirementIncomplete, "requirement has no amount")
	}
	if _, err := utils.ValidateUint256(amount); err != nil {
		return nil, types.WrapError(types.ErrRequirementIncomplete, err, "requirement amount %q is not a base-unit integer", amount)
	}

	return &types.Resolution{
		Challenge:    ch,
		Requirement:  req,
		Amount:       amount,
		AmountSource: source,
		PayTo:        req.PayTo,
		Fallback:     fallback,
	}, nil
}
