package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	hexPattern    = regexp.MustCompile("^[0-9a-fA-F]+$")
	txHashPattern = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	maxUint256    = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// ValidateAmount checks if an amount string is a valid non-negative decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ValidateBigInt checks if a string is a valid base-10 big integer
func ValidateBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}

	bigInt := new(big.Int)
	_, success := bigInt.SetString(value, 10)
	if !success {
		return nil, fmt.Errorf("invalid big integer format")
	}

	return bigInt, nil
}

// ValidateUint256 checks that value is a base-10 integer in [0, 2^256).
func ValidateUint256(value string) (*big.Int, error) {
	n, err := ValidateBigInt(value)
	if err != nil {
		return nil, err
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("value cannot be negative")
	}
	if n.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("value overflows uint256")
	}
	return n, nil
}

// ValidateTransactionHash checks for an EVM transaction hash (0x + 64 hex).
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !txHashPattern.MatchString(hash) {
		return fmt.Errorf("EVM transaction hash must be 0x followed by 64 hex characters")
	}
	return nil
}

// IsTransactionHash reports whether s has the shape of an EVM transaction hash.
func IsTransactionHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// ValidateAddress validates an EVM address
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(address, "0x") {
		return fmt.Errorf("Ethereum address must start with 0x")
	}
	if len(address) != 42 {
		return fmt.Errorf("Ethereum address must be 42 characters long")
	}
	if !isHexString(address[2:]) {
		return fmt.Errorf("Ethereum address must be valid hex")
	}
	return nil
}

// Helper function to check if a string is valid hexadecimal
func isHexString(s string) bool {
	return hexPattern.MatchString(s)
}

// FormatAmountFromBigInt formats a big.Int amount to decimal string with specified decimals
func FormatAmountFromBigInt(amount *big.Int, decimals int32) string {
	dec := decimal.NewFromBigInt(amount, -decimals)
	return dec.String()
}

// FormatBaseUnits converts a base-unit integer string into a display amount.
func FormatBaseUnits(raw string, decimals int32) (string, error) {
	n, err := ValidateUint256(raw)
	if err != nil {
		return "", err
	}
	return FormatAmountFromBigInt(n, decimals), nil
}

// ParseAmountWithDecimals parses a decimal amount string and converts to big.Int with specified decimals
func ParseAmountWithDecimals(amount string, decimals int32) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}

	shifted := dec.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}
