// Package signer holds the signing capability the engine consumes and the
// signature check it runs before dispatching a settlement.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-approvals/authorization"
	"github.com/vitwit/x402-approvals/types"
	"github.com/vitwit/x402-approvals/utils"
	"github.com/vitwit/x402-approvals/utils/eip712"
)

// Signer produces a signature over an authorization on behalf of a payer:
// a browser wallet, a session key, or a local key in tests.
type Signer interface {
	Address() string
	SignAuthorization(ctx context.Context, td *authorization.TypedData) (string, error)
}

// PrivateKeySigner signs with a local secp256k1 key.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewPrivateKeySigner(hexKey string) (*PrivateKeySigner, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return FromECDSA(key), nil
}

func FromECDSA(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{key: key, address: utils.AddressFromPrivateKey(key)}
}

func (s *PrivateKeySigner) Address() string {
	return s.address.Hex()
}

func (s *PrivateKeySigner) SignAuthorization(ctx context.Context, td *authorization.TypedData) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !utils.SameAddress(td.Message.From, s.address.Hex()) {
		return "", fmt.Errorf("authorization is from %s, signer is %s", td.Message.From, s.address.Hex())
	}
	digest, err := td.Digest()
	if err != nil {
		return "", err
	}
	return utils.SignHash(digest.Bytes(), s.key)
}

// Verifier checks that signature authorizes auth under domain.
type Verifier interface {
	Verify(domain types.EIP712Domain, auth types.EIP3009Authorization, signature string) error
}

// EOAVerifier recovers the ECDSA signer and compares it to auth.From.
// Smart-account (EIP-1271) signatures do not recover and must skip this check.
type EOAVerifier struct{}

func (EOAVerifier) Verify(domain types.EIP712Domain, auth types.EIP3009Authorization, signature string) error {
	digest, err := eip712.TransferWithAuthDigest(domain, auth)
	if err != nil {
		return types.WrapError(types.ErrInvalidSignature, err, "cannot hash authorization")
	}
	sig, err := utils.DecodeSignature(signature)
	if err != nil {
		return types.WrapError(types.ErrInvalidSignature, err, "malformed signature")
	}
	addr, err := eip712.RecoverSigner(digest, sig)
	if err != nil {
		return types.WrapError(types.ErrInvalidSignature, err, "cannot recover signer")
	}
	if !utils.SameAddress(addr.Hex(), auth.From) {
		return types.NewError(types.ErrInvalidSignature, "signature is from %s, authorization is from %s", addr.Hex(), auth.From)
	}
	return nil
}

// NoopVerifier accepts every signature.
type NoopVerifier struct{}

func (NoopVerifier) Verify(types.EIP712Domain, types.EIP3009Authorization, string) error { return nil }
