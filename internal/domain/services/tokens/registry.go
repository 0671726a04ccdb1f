package tokens

import (
	"sort"
	"strings"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/internal/infrastructure/config"
)

// Registry resolves configured tokens by symbol or contract address
type Registry struct {
	native    entities.Token
	bySymbol  map[string]entities.Token
	byAddress map[string]entities.Token
}

// NewRegistry builds the registry from the blockchain config. The native coin
// is always present under cfg.NativeSymbol with 18 decimals unless listed.
func NewRegistry(cfg config.BlockchainConfig) *Registry {
	nativeSymbol := strings.ToUpper(cfg.NativeSymbol)
	if nativeSymbol == "" {
		nativeSymbol = "ETH"
	}

	r := &Registry{
		native:    entities.Token{Symbol: nativeSymbol, Address: entities.NativeTokenAddress, Decimals: 18},
		bySymbol:  make(map[string]entities.Token),
		byAddress: make(map[string]entities.Token),
	}

	for _, tc := range cfg.Tokens {
		token := entities.Token{
			Symbol:   strings.ToUpper(tc.Symbol),
			Address:  entities.NormalizeAddress(tc.Address),
			Decimals: tc.Decimals,
		}
		if token.IsNative() {
			r.native = token
			continue
		}
		r.bySymbol[token.Symbol] = token
		r.byAddress[token.Address] = token
	}
	r.bySymbol[r.native.Symbol] = r.native
	return r
}

// Native returns the chain's gas currency
func (r *Registry) Native() entities.Token {
	return r.native
}

// BySymbol looks up a token by case-insensitive symbol
func (r *Registry) BySymbol(symbol string) (entities.Token, bool) {
	t, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	return t, ok
}

// ByAddress looks up a token by contract address; empty or zero is native
func (r *Registry) ByAddress(address string) (entities.Token, bool) {
	addr := entities.NormalizeAddress(address)
	if addr == entities.NativeTokenAddress {
		return r.native, true
	}
	t, ok := r.byAddress[addr]
	return t, ok
}

// All returns every configured token ordered by symbol
func (r *Registry) All() []entities.Token {
	out := make([]entities.Token, 0, len(r.bySymbol))
	for _, t := range r.bySymbol {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
