package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodial/settlement_service/internal/infrastructure/config"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(config.BlockchainConfig{
		NativeSymbol: "eth",
		Tokens: []config.TokenConfig{
			{Symbol: "usdc", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
			{Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		},
	})

	native := r.Native()
	assert.Equal(t, "ETH", native.Symbol)
	assert.True(t, native.IsNative())
	assert.Equal(t, int32(18), native.Decimals)

	usdc, ok := r.BySymbol(" Usdc ")
	require.True(t, ok)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", usdc.Address)

	byAddr, ok := r.ByAddress("0xA0B86991C6218B36C1D19D4A2E9EB0CE3606EB48")
	require.True(t, ok)
	assert.Equal(t, usdc, byAddr)

	zero, ok := r.ByAddress("0x0000000000000000000000000000000000000000")
	require.True(t, ok)
	assert.Equal(t, native, zero)

	_, ok = r.ByAddress("0x1111111111111111111111111111111111111111")
	assert.False(t, ok)
	_, ok = r.BySymbol("DOGE")
	assert.False(t, ok)

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"ETH", "USDC", "USDT"}, []string{all[0].Symbol, all[1].Symbol, all[2].Symbol})
}
