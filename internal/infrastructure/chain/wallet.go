package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/internal/infrastructure/config"
	"github.com/custodial/settlement_service/pkg/logger"
)

// ErrTransactionReverted is returned when a mined transaction failed
var ErrTransactionReverted = errors.New("execution reverted")

// TransferRequest describes one outgoing transfer
type TransferRequest struct {
	Key      *ecdsa.PrivateKey
	To       string
	Token    entities.Token
	Amount   *big.Int // base units
	GasPrice *big.Int
	GasLimit uint64 // zero selects the configured default for the token kind

	// BeforeBroadcast runs with the signed tx hash before it is sent.
	// An error aborts the send.
	BeforeBroadcast func(txHash string) error
}

// Wallet builds, signs and broadcasts transfers and reads balances
type Wallet struct {
	client         Client
	nonces         *NonceManager
	chainID        *big.Int
	nativeGas      uint64
	tokenGas       uint64
	receiptTimeout time.Duration
	pollInterval   time.Duration
	logger         *logger.Logger
}

// NewWallet creates a wallet for the configured chain
func NewWallet(client Client, cfg config.BlockchainConfig, log *logger.Logger) *Wallet {
	w := &Wallet{
		client:         client,
		nonces:         NewNonceManager(client),
		chainID:        big.NewInt(cfg.ChainID),
		nativeGas:      cfg.NativeTransferGas,
		tokenGas:       cfg.TokenTransferGas,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.ReceiptPollInterval,
		logger:         log,
	}
	if w.nativeGas == 0 {
		w.nativeGas = 21000
	}
	if w.tokenGas == 0 {
		w.tokenGas = 65000
	}
	if w.receiptTimeout <= 0 {
		w.receiptTimeout = 3 * time.Minute
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 3 * time.Second
	}
	return w
}

// TransferGasLimit is the gas limit used for a transfer of token
func (w *Wallet) TransferGasLimit(token entities.Token) uint64 {
	if token.IsNative() {
		return w.nativeGas
	}
	return w.tokenGas
}

// NativeGasLimit is the gas limit of a plain value transfer
func (w *Wallet) NativeGasLimit() uint64 {
	return w.nativeGas
}

// GasPrice returns the node's suggested gas price
func (w *Wallet) GasPrice(ctx context.Context) (*big.Int, error) {
	return w.client.SuggestGasPrice(ctx)
}

// NativeBalance returns the native coin balance of address in wei
func (w *Wallet) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	return w.client.BalanceAt(ctx, common.HexToAddress(address), nil)
}

// TokenBalance returns the balance of token held by address in base units
func (w *Wallet) TokenBalance(ctx context.Context, token entities.Token, address string) (*big.Int, error) {
	if token.IsNative() {
		return w.NativeBalance(ctx, address)
	}

	data, err := PackBalanceOf(common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	contract := common.HexToAddress(token.Address)
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", token.Symbol, err)
	}
	return UnpackBalance(out)
}

// Transfer signs and broadcasts req, returning the transaction hash
func (w *Wallet) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.Key == nil {
		return "", fmt.Errorf("transfer requires a signing key")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return "", fmt.Errorf("transfer amount must be positive")
	}
	if !IsValidAddress(req.To) {
		return "", fmt.Errorf("invalid address %q", req.To)
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		var err error
		if gasPrice, err = w.client.SuggestGasPrice(ctx); err != nil {
			return "", fmt.Errorf("failed to get gas price: %w", err)
		}
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = w.TransferGasLimit(req.Token)
	}

	to := common.HexToAddress(req.To)
	value := req.Amount
	var data []byte
	if !req.Token.IsNative() {
		packed, err := PackTransfer(to, req.Amount)
		if err != nil {
			return "", err
		}
		to, value, data = common.HexToAddress(req.Token.Address), big.NewInt(0), packed
	}

	from := crypto.PubkeyToAddress(req.Key.PublicKey)
	var txHash string
	err := w.nonces.WithNonce(ctx, from, func(nonce uint64) error {
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), req.Key)
		if err != nil {
			return fmt.Errorf("failed to sign transaction: %w", err)
		}
		txHash = signed.Hash().Hex()

		if req.BeforeBroadcast != nil {
			if err := req.BeforeBroadcast(txHash); err != nil {
				return err
			}
		}
		if err := w.client.SendTransaction(ctx, signed); err != nil {
			return fmt.Errorf("failed to broadcast transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	w.logger.Info("Transaction broadcast",
		"tx_hash", txHash,
		"from", strings.ToLower(from.Hex()),
		"to", strings.ToLower(req.To),
		"token", req.Token.Symbol,
		"amount", req.Amount.String())
	return txHash, nil
}

// Receipt returns the receipt of txHash or ErrReceiptNotFound
func (w *Wallet) Receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	return w.client.TransactionReceipt(ctx, common.HexToHash(txHash))
}

// WaitForReceipt polls until txHash is mined or the receipt timeout passes.
// A reverted transaction returns ErrTransactionReverted.
func (w *Wallet) WaitForReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	attempts := uint(w.receiptTimeout / w.pollInterval)
	if attempts == 0 {
		attempts = 1
	}

	var receipt *types.Receipt
	var lastErr error
	err := retry.Do(
		func() error {
			r, err := w.Receipt(ctx, txHash)
			if err != nil {
				lastErr = err
				return err
			}
			receipt = r
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(w.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			if !errors.Is(err, ErrReceiptNotFound) {
				w.logger.Warn("Receipt lookup failed", "tx_hash", txHash, "attempt", n, "error", err)
			}
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("waiting for receipt %s: %w", txHash, ctxErr)
		}
		if errors.Is(lastErr, ErrReceiptNotFound) {
			return nil, fmt.Errorf("receipt of %s not found before timeout: %w", txHash, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("waiting for receipt %s: %w", txHash, lastErr)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s: %w", txHash, ErrTransactionReverted)
	}
	return receipt, nil
}
