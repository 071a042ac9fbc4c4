package chains

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-approvals/types"
)

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	r := New()

	tests := []struct {
		chainID int64
		network types.Network
		testnet bool
	}{
		{8453, types.NetworkBase, false},
		{84532, types.NetworkBaseSepolia, true},
		{137, types.NetworkPolygon, false},
		{80002, types.NetworkPolygonAmoy, true},
	}
	for _, tc := range tests {
		c, err := r.Resolve(tc.chainID)
		require.NoError(t, err)
		assert.Equal(t, tc.network, c.Network)
		assert.Equal(t, tc.testnet, c.Testnet)
		assert.Equal(t, tc.network.IsTestnet(), c.Testnet)
		assert.NotEmpty(t, c.Asset.Address)
		assert.EqualValues(t, DefaultDecimals, c.Asset.Decimals)
	}

	assert.Len(t, r.Supported(), 4)
	assert.Equal(t, int64(137), r.Supported()[0].ChainID)
}

func TestResolveUnknownChain(t *testing.T) {
	t.Parallel()
	_, err := New().Resolve(1)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrUnsupportedChain))
}

func TestAcceptedNetworksMatchesBothForms(t *testing.T) {
	t.Parallel()
	base, err := New().Resolve(8453)
	require.NoError(t, err)

	nets := AcceptedNetworks(base)
	assert.Len(t, nets, 2)
	assert.True(t, Accepts(base, "eip155:8453"))
	assert.True(t, Accepts(base, "base"))
	assert.False(t, Accepts(base, "base-sepolia"))
	assert.False(t, Accepts(base, "eip155:84532"))
}

func TestCustomRegistry(t *testing.T) {
	t.Parallel()
	r := New(types.ChainConfig{ChainID: 31337, Name: "Anvil"})
	c, err := r.Resolve(31337)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"eip155:31337": {}}, AcceptedNetworks(c))

	_, err = r.Resolve(8453)
	assert.Error(t, err)
}

func TestTxURL(t *testing.T) {
	t.Parallel()
	c := types.ChainConfig{ExplorerURL: "https://basescan.org/"}
	assert.Equal(t, "https://basescan.org/tx/0xabc", TxURL(c, "0xabc"))
	assert.Equal(t, "", TxURL(c, ""))
	assert.Equal(t, "", TxURL(types.ChainConfig{}, "0xabc"))
}

func TestOnly(t *testing.T) {
	t.Parallel()

	r, err := Only(84532, 80002)
	require.NoError(t, err)
	require.Len(t, r.Supported(), 2)
	_, err = r.Resolve(8453)
	assert.True(t, types.IsCode(err, types.ErrUnsupportedChain))

	all, err := Only()
	require.NoError(t, err)
	assert.Len(t, all.Supported(), 4)

	_, err = Only(1)
	assert.True(t, types.IsCode(err, types.ErrUnsupportedChain))
}
