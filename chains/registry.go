// Package chains is the static directory of EVM chains a pending payment can settle on.
package chains

import (
	"sort"
	"strings"

	"github.com/vitwit/x402-approvals/types"
)

// DefaultDecimals is the USDC precision on every supported chain.
const DefaultDecimals = 6

var defaultChains = []types.ChainConfig{
	{
		ChainID: 8453,
		Name:    "Base",
		Network: types.NetworkBase,
		Asset: types.AssetInfo{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
			Symbol:   "USDC",
			Decimals: DefaultDecimals,
			Name:     "USD Coin",
			Version:  "2",
		},
		ExplorerURL: "https://basescan.org",
	},
	{
		ChainID: 84532,
		Name:    "Base Sepolia",
		Network: types.NetworkBaseSepolia,
		Asset: types.AssetInfo{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
			Symbol:   "USDC",
			Decimals: DefaultDecimals,
			Name:     "USDC",
			Version:  "2",
		},
		ExplorerURL: "https://sepolia.basescan.org",
		Testnet:     true,
	},
	{
		ChainID: 137,
		Name:    "Polygon",
		Network: types.NetworkPolygon,
		Asset: types.AssetInfo{
			Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", // native USDC on Polygon PoS
			Symbol:   "USDC",
			Decimals: DefaultDecimals,
			Name:     "USD Coin",
			Version:  "2",
		},
		ExplorerURL: "https://polygonscan.com",
	},
	{
		ChainID: 80002,
		Name:    "Polygon Amoy",
		Network: types.NetworkPolygonAmoy,
		Asset: types.AssetInfo{
			Address:  "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", // USDC on Amoy
			Symbol:   "USDC",
			Decimals: DefaultDecimals,
			Name:     "USDC",
			Version:  "2",
		},
		ExplorerURL: "https://amoy.polygonscan.com",
		Testnet:     true,
	},
}

// Registry resolves chain IDs to their configuration. It is immutable after construction.
type Registry struct {
	byID map[int64]types.ChainConfig
}

// New builds a registry from the given chains. With no arguments it holds the default table.
func New(configs ...types.ChainConfig) *Registry {
	if len(configs) == 0 {
		configs = defaultChains
	}
	r := &Registry{byID: make(map[int64]types.ChainConfig, len(configs))}
	for _, c := range configs {
		r.byID[c.ChainID] = c
	}
	return r
}

// Only builds a registry restricted to the listed default chains.
func Only(chainIDs ...int64) (*Registry, error) {
	if len(chainIDs) == 0 {
		return New(), nil
	}
	defaults := New()
	configs := make([]types.ChainConfig, 0, len(chainIDs))
	for _, id := range chainIDs {
		c, err := defaults.Resolve(id)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return New(configs...), nil
}

// Resolve returns the chain with the given numeric ID.
func (r *Registry) Resolve(chainID int64) (types.ChainConfig, error) {
	c, ok := r.byID[chainID]
	if !ok {
		return types.ChainConfig{}, types.NewError(types.ErrUnsupportedChain, "unsupported chain: %d", chainID)
	}
	return c, nil
}

// Supported lists the registered chains ordered by chain ID.
func (r *Registry) Supported() []types.ChainConfig {
	out := make([]types.ChainConfig, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// AcceptedNetworks returns every identifier the protocol may use for the chain:
// the CAIP-2 form and the legacy plain name.
func AcceptedNetworks(c types.ChainConfig) map[string]struct{} {
	set := map[string]struct{}{c.CAIP2(): {}}
	if c.Network != "" {
		set[c.Network.String()] = struct{}{}
	}
	return set
}

// Accepts reports whether network names the given chain.
func Accepts(c types.ChainConfig, network string) bool {
	_, ok := AcceptedNetworks(c)[strings.TrimSpace(network)]
	return ok
}

// TxURL links a settlement hash to the chain's block explorer.
func TxURL(c types.ChainConfig, txHash string) string {
	if c.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(c.ExplorerURL, "/") + "/tx/" + txHash
}
