package types

import "strconv"

// AssetInfo describes the EIP-3009 token a chain settles in.
type AssetInfo struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
	// EIP-712 domain name and version of the token contract.
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ChainConfig is one entry of the chain registry.
type ChainConfig struct {
	ChainID     int64     `json:"chainId"`
	Name        string    `json:"name"`
	Network     Network   `json:"network"`
	Asset       AssetInfo `json:"asset"`
	ExplorerURL string    `json:"explorerUrl"`
	Testnet     bool      `json:"testnet"`
}

// CAIP2 returns the namespaced identifier for the chain, e.g. "eip155:8453".
func (c ChainConfig) CAIP2() string {
	return "eip155:" + strconv.FormatInt(c.ChainID, 10)
}
