package types

// EIP3009Payload is the signed authorization carried inside a payment proof.
type EIP3009Payload struct {
	Signature     string               `json:"signature"` // The 65-byte ECDSA signature (r,s,v), 0x-hex
	Authorization EIP3009Authorization `json:"authorization"`
}

type EIP3009Authorization struct {
	From        string `json:"from" validate:"required,eth_addr"`
	To          string `json:"to" validate:"required,eth_addr"`
	Value       string `json:"value" validate:"required,numeric"`       // uint256
	ValidAfter  string `json:"validAfter" validate:"required,numeric"`  // uint256 timestamp
	ValidBefore string `json:"validBefore" validate:"required,numeric"` // uint256 timestamp
	Nonce       string `json:"nonce" validate:"required,hexadecimal,len=66"`
}

// EIP712Domain defines the domain separator per EIP-712
type EIP712Domain struct {
	Name              string `json:"name" validate:"required"`
	Version           string `json:"version" validate:"required"`
	ChainID           int64  `json:"chainId" validate:"gt=0"`
	VerifyingContract string `json:"verifyingContract" validate:"required,eth_addr"`
}
