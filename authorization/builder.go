// Package authorization builds the unsigned EIP-3009 TransferWithAuthorization
// typed data a payer signs to settle a pending payment.
package authorization

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vitwit/x402-approvals/types"
	"github.com/vitwit/x402-approvals/utils"
	"github.com/vitwit/x402-approvals/utils/eip712"
)

// DefaultValidity is how long an authorization stays valid after it is built.
const DefaultValidity = 300 * time.Second

// Params are the inputs of a single authorization.
type Params struct {
	From       string
	Chain      types.ChainConfig
	Resolution *types.Resolution
}

// TypedData is the unsigned EIP-712 structure handed to the signer.
type TypedData struct {
	PrimaryType string                     `json:"primaryType"`
	Domain      types.EIP712Domain         `json:"domain"`
	Message     types.EIP3009Authorization `json:"message"`
}

// Digest returns the EIP-712 hash the signer signs.
func (t *TypedData) Digest() (common.Hash, error) {
	return eip712.TransferWithAuthDigest(t.Domain, t.Message)
}

// APITypes renders the structure in go-ethereum's eth_signTypedData_v4 form.
func (t *TypedData) APITypes() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			eip712.TransferWithAuthLabel: {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: eip712.TransferWithAuthLabel,
		Domain: apitypes.TypedDataDomain{
			Name:              t.Domain.Name,
			Version:           t.Domain.Version,
			ChainId:           math.NewHexOrDecimal256(t.Domain.ChainID),
			VerifyingContract: t.Domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        t.Message.From,
			"to":          t.Message.To,
			"value":       t.Message.Value,
			"validAfter":  t.Message.ValidAfter,
			"validBefore": t.Message.ValidBefore,
			"nonce":       t.Message.Nonce,
		},
	}
}

type Option func(*Builder)

// WithValidity overrides the authorization window length.
func WithValidity(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.validity = d
		}
	}
}

// WithClock sets the time source used for the validity window.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// WithEntropy sets the nonce source. It must be cryptographically secure outside tests.
func WithEntropy(r io.Reader) Option {
	return func(b *Builder) {
		b.entropy = r
	}
}

// Builder constructs TransferWithAuthorization typed data. It holds no mutable state.
type Builder struct {
	validity time.Duration
	now      func() time.Time
	entropy  io.Reader
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		validity: DefaultValidity,
		now:      time.Now,
		entropy:  rand.Reader,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the unsigned authorization for paying res from p.From on p.Chain.
func (b *Builder) Build(p Params) (*TypedData, error) {
	if p.Resolution == nil {
		return nil, types.NewError(types.ErrRequirementIncomplete, "no resolved requirement")
	}
	if !common.IsHexAddress(p.From) {
		return nil, types.NewError(types.ErrInvalidPayload, "payer %q is not an address", p.From)
	}

	nonce, err := b.nonce()
	if err != nil {
		return nil, err
	}

	validAfter := b.now().Unix()
	validBefore := validAfter + int64(b.validity/time.Second)

	td := &TypedData{
		PrimaryType: eip712.TransferWithAuthLabel,
		Domain:      Domain(p.Chain, p.Resolution.Requirement),
		Message: types.EIP3009Authorization{
			From:        common.HexToAddress(p.From).Hex(),
			To:          common.HexToAddress(p.Resolution.PayTo).Hex(),
			Value:       p.Resolution.Amount,
			ValidAfter:  strconv.FormatInt(validAfter, 10),
			ValidBefore: strconv.FormatInt(validBefore, 10),
			Nonce:       nonce,
		},
	}

	if err := b.validate(td); err != nil {
		return nil, err
	}
	return td, nil
}

func (b *Builder) nonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(b.entropy, buf); err != nil {
		return "", fmt.Errorf("read nonce entropy: %w", err)
	}
	return hexutil.Encode(buf), nil
}

func (b *Builder) validate(td *TypedData) error {
	if err := utils.ValidateStruct(types.ErrInvalidPayload, td.Domain); err != nil {
		return err
	}
	if err := utils.ValidateStruct(types.ErrInvalidPayload, td.Message); err != nil {
		return err
	}
	if _, err := utils.ValidateUint256(td.Message.Value); err != nil {
		return types.WrapError(types.ErrRequirementIncomplete, err, "invalid authorization value")
	}
	if _, err := td.Digest(); err != nil {
		return types.WrapError(types.ErrInvalidPayload, err, "authorization does not hash")
	}
	return nil
}

// Domain binds the authorization to the token contract. Requirement extras
// override the chain's default token name and version.
func Domain(chain types.ChainConfig, req types.Requirement) types.EIP712Domain {
	d := types.EIP712Domain{
		Name:              chain.Asset.Name,
		Version:           chain.Asset.Version,
		ChainID:           chain.ChainID,
		VerifyingContract: chain.Asset.Address,
	}
	if common.IsHexAddress(req.Asset) {
		d.VerifyingContract = common.HexToAddress(req.Asset).Hex()
	}
	if name := req.ExtraString("name"); name != "" {
		d.Name = name
	}
	if version := req.ExtraString("version"); version != "" {
		d.Version = version
	}
	return d
}

// Check verifies that a submitted authorization pays exactly what res requires
// and is still inside its validity window.
func Check(auth types.EIP3009Authorization, res *types.Resolution, now time.Time) error {
	if err := utils.ValidateStruct(types.ErrAuthorizationMismatch, auth); err != nil {
		return err
	}
	if !utils.SameAddress(auth.To, res.PayTo) {
		return types.NewError(types.ErrAuthorizationMismatch, "authorization pays %s, requirement pays %s", auth.To, res.PayTo)
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	want, ok2 := new(big.Int).SetString(res.Amount, 10)
	if !ok || !ok2 || value.Cmp(want) != 0 {
		return types.NewError(types.ErrAuthorizationMismatch, "authorization value %s does not match required %s", auth.Value, res.Amount)
	}

	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return types.WrapError(types.ErrAuthorizationMismatch, err, "invalid validBefore")
	}
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return types.WrapError(types.ErrAuthorizationMismatch, err, "invalid validAfter")
	}
	if validBefore <= validAfter {
		return types.NewError(types.ErrAuthorizationMismatch, "empty validity window")
	}
	if now.Unix() >= validBefore {
		return types.NewError(types.ErrAuthorizationMismatch, "authorization expired at %d", validBefore)
	}
	return nil
}
