// Package eip712 hashes EIP-3009 TransferWithAuthorization messages per EIP-712.
package eip712

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402-approvals/types"
)

const (
	DomainType            = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	TransferWithAuthType  = "TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"
	TransferWithAuthLabel = "TransferWithAuthorization"
)

var (
	domainTypeHash       = crypto.Keccak256Hash([]byte(DomainType))
	transferAuthTypeHash = crypto.Keccak256Hash([]byte(TransferWithAuthType))
)

// padLeft32 returns a 32-byte right-aligned representation of the given big.Int
func padLeft32(i *big.Int) []byte {
	return common.LeftPadBytes(i.Bytes(), 32)
}

// addressTo32 left-pads an address into a 32-byte word
func addressTo32(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

func stringToBig(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid unsigned decimal integer %q", s)
	}
	if n.BitLen() > 256 {
		return nil, fmt.Errorf("value %q overflows uint256", s)
	}
	return n, nil
}

// HexToBytes32 decodes an exactly 32-byte hex value (with or without 0x).
func HexToBytes32(hexStr string) ([32]byte, error) {
	var out [32]byte
	hexStr = strings.TrimPrefix(strings.TrimPrefix(hexStr, "0x"), "0X")
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// DomainSeparator builds the domainSeparator hash per EIP-712:
// keccak256(abi.encode(domainTypeHash, keccak256(name), keccak256(version), chainId, verifyingContract))
func DomainSeparator(d types.EIP712Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID <= 0 || !common.IsHexAddress(d.VerifyingContract) {
		return common.Hash{}, errors.New("incomplete domain")
	}

	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		padLeft32(big.NewInt(d.ChainID)),
		addressTo32(common.HexToAddress(d.VerifyingContract)),
	), nil
}

// HashTransferWithAuthorizationStruct computes keccak256(
//
//	abi.encode(TRANSFER_WITH_AUTH_TYPEHASH, from, to, value, validAfter, validBefore, nonce)
//
// )
func HashTransferWithAuthorizationStruct(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	return crypto.Keccak256Hash(
		transferAuthTypeHash.Bytes(),
		addressTo32(from),
		addressTo32(to),
		padLeft32(value),
		padLeft32(validAfter),
		padLeft32(validBefore),
		nonce[:],
	)
}

// TypedDataHash returns the final EIP-712 digest:
//
//	keccak256("\x19\x01", domainSeparator, structHash)
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// TransferWithAuthDigest builds the digest a payer signs for an EIP-3009 authorization.
func TransferWithAuthDigest(domain types.EIP712Domain, auth types.EIP3009Authorization) (common.Hash, error) {
	domainSep, err := DomainSeparator(domain)
	if err != nil {
		return common.Hash{}, err
	}
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return common.Hash{}, errors.New("from and to must be hex addresses")
	}

	value, err := stringToBig(auth.Value)
	if err != nil {
		return common.Hash{}, fmt.Errorf("value: %w", err)
	}
	validAfter, err := stringToBig(auth.ValidAfter)
	if err != nil {
		return common.Hash{}, fmt.Errorf("validAfter: %w", err)
	}
	validBefore, err := stringToBig(auth.ValidBefore)
	if err != nil {
		return common.Hash{}, fmt.Errorf("validBefore: %w", err)
	}
	nonce, err := HexToBytes32(auth.Nonce)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}

	structHash := HashTransferWithAuthorizationStruct(
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value, validAfter, validBefore, nonce,
	)
	return TypedDataHash(domainSep, structHash), nil
}

// RecoverSigner recovers the address that signed digest.
// sig must be 65 bytes (R||S||V); V may be 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}

	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("sig to pub failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}
