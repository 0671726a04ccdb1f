package custody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/internal/infrastructure/chain"
	"github.com/custodial/settlement_service/pkg/logger"
)

// WalletRepository persists the singleton collection wallet
type WalletRepository interface {
	GetWallet(ctx context.Context) (*entities.CollectionWallet, error)
	SaveWallet(ctx context.Context, wallet *entities.CollectionWallet) error
}

// Signer is a decrypted collection wallet key
type Signer struct {
	Address string
	Key     *ecdsa.PrivateKey
}

// CollectionWallet loads and caches the collection wallet signing key.
// The key is decrypted with the custody master key on first use.
type CollectionWallet struct {
	repo      WalletRepository
	masterKey string
	logger    *logger.Logger

	mu     sync.Mutex
	signer *Signer
}

// NewCollectionWallet creates a collection wallet loader
func NewCollectionWallet(repo WalletRepository, masterKey string, logger *logger.Logger) *CollectionWallet {
	return &CollectionWallet{repo: repo, masterKey: masterKey, logger: logger}
}

func notConfigured() error {
	return apperrors.ConfigurationError(apperrors.CodeCollectionWalletMissing, "collection wallet is not configured")
}

// Address returns the collection wallet address without decrypting the key
func (c *CollectionWallet) Address(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.signer != nil {
		addr := c.signer.Address
		c.mu.Unlock()
		return addr, nil
	}
	c.mu.Unlock()

	wallet, err := c.repo.GetWallet(ctx)
	if err != nil {
		return "", err
	}
	if wallet == nil {
		return "", notConfigured()
	}
	return entities.NormalizeAddress(wallet.Address), nil
}

// Load returns the decrypted signer
func (c *CollectionWallet) Load(ctx context.Context) (*Signer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signer != nil {
		return c.signer, nil
	}

	wallet, err := c.repo.GetWallet(ctx)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, notConfigured()
	}
	if c.masterKey == "" {
		return nil, apperrors.ConfigurationError(apperrors.CodeCustodyKeyMissing, "custody master key is not configured")
	}

	key, err := chain.DecryptCollectionKey(wallet.EncryptedPrivateKey, c.masterKey, wallet.Address)
	if err != nil {
		return nil, err
	}
	c.signer = &Signer{Address: entities.NormalizeAddress(wallet.Address), Key: key}
	return c.signer, nil
}

// Import stores hexKey as the collection wallet, replacing any previous one.
// An empty hexKey generates a fresh key.
func (c *CollectionWallet) Import(ctx context.Context, hexKey string) (*entities.CollectionWallet, error) {
	if c.masterKey == "" {
		return nil, apperrors.ConfigurationError(apperrors.CodeCustodyKeyMissing, "custody master key is not configured")
	}

	var (
		key *ecdsa.PrivateKey
		err error
	)
	if hexKey == "" {
		key, err = crypto.GenerateKey()
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	}
	if err != nil {
		return nil, fmt.Errorf("invalid collection key: %w", err)
	}

	encrypted, err := chain.EncryptPrivateKey(key, c.masterKey)
	if err != nil {
		return nil, err
	}
	wallet := &entities.CollectionWallet{
		ID:                  uuid.New(),
		Address:             chain.AddressOf(key),
		EncryptedPrivateKey: encrypted,
		CreatedAt:           time.Now().UTC(),
	}
	if err := c.repo.SaveWallet(ctx, wallet); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.signer = &Signer{Address: wallet.Address, Key: key}
	c.mu.Unlock()

	c.logger.Info("Collection wallet stored", "address", wallet.Address)
	return wallet, nil
}
