package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"

	"github.com/custodial/settlement_service/pkg/metrics"
)

// Client is the subset of the Ethereum JSON-RPC API the service uses
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ErrReceiptNotFound means the node does not know the transaction yet
var ErrReceiptNotFound = errors.New("transaction receipt not found")

// Dial connects to an RPC endpoint and wraps it with a breaker and per-call timeout
func Dial(ctx context.Context, rpcURL string, timeout time.Duration) (*GuardedClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("blockchain rpc url is not configured")
	}
	raw, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	return NewGuardedClient(raw, timeout), nil
}

// GuardedClient bounds every RPC call with a timeout and trips a circuit
// breaker after repeated node failures.
type GuardedClient struct {
	next    Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewGuardedClient wraps next
func NewGuardedClient(next Client, timeout time.Duration) *GuardedClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &GuardedClient{
		next:    next,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "chain-rpc",
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func call[T any](ctx context.Context, g *GuardedClient, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		metrics.ChainRPCErrorsTotal.WithLabelValues(method).Inc()
		return zero, fmt.Errorf("%s: %w", method, err)
	}
	return result.(T), nil
}

func (g *GuardedClient) ChainID(ctx context.Context) (*big.Int, error) {
	return call(ctx, g, "eth_chainId", g.next.ChainID)
}

func (g *GuardedClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return call(ctx, g, "eth_getBalance", func(ctx context.Context) (*big.Int, error) {
		return g.next.BalanceAt(ctx, account, blockNumber)
	})
}

func (g *GuardedClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return call(ctx, g, "eth_getTransactionCount", func(ctx context.Context) (uint64, error) {
		return g.next.PendingNonceAt(ctx, account)
	})
}

func (g *GuardedClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return call(ctx, g, "eth_gasPrice", g.next.SuggestGasPrice)
}

func (g *GuardedClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return call(ctx, g, "eth_estimateGas", func(ctx context.Context) (uint64, error) {
		return g.next.EstimateGas(ctx, msg)
	})
}

func (g *GuardedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, g, "eth_call", func(ctx context.Context) ([]byte, error) {
		return g.next.CallContract(ctx, msg, blockNumber)
	})
}

func (g *GuardedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := call(ctx, g, "eth_sendRawTransaction", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.SendTransaction(ctx, tx)
	})
	return err
}

// TransactionReceipt returns ErrReceiptNotFound for unknown transactions.
// A missing receipt is a normal answer and does not count against the breaker.
func (g *GuardedClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := call(ctx, g, "eth_getTransactionReceipt", func(ctx context.Context) (*types.Receipt, error) {
		r, err := g.next.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ErrReceiptNotFound
	}
	return receipt, nil
}
