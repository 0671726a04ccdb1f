package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	pkgcrypto "github.com/custodial/settlement_service/pkg/crypto"
)

// ErrInvalidMnemonic is returned for a missing or malformed custody mnemonic
var ErrInvalidMnemonic = errors.New("invalid custody mnemonic")

// Keyring derives deposit-address keys along m/44'/60'/0'/0/<index>
type Keyring struct {
	account *hdkeychain.ExtendedKey
}

// NewKeyring builds the keyring from a BIP-39 mnemonic and optional passphrase
func NewKeyring(mnemonic, passphrase string) (*Keyring, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if mnemonic == "" || !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to derive seed: %w", err)
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	key := master
	for _, idx := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
	} {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account path: %w", err)
		}
	}

	return &Keyring{account: key}, nil
}

// PrivateKey returns the key for the address at index
func (k *Keyring) PrivateKey(index int64) (*ecdsa.PrivateKey, error) {
	if index < 0 || index >= int64(hdkeychain.HardenedKeyStart) {
		return nil, fmt.Errorf("derivation index %d out of range", index)
	}
	child, err := k.account.Derive(uint32(index))
	if err != nil {
		return nil, fmt.Errorf("failed to derive child key %d: %w", index, err)
	}
	var priv *btcec.PrivateKey
	priv, err = child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key %d: %w", index, err)
	}
	return priv.ToECDSA(), nil
}

// Address returns the lower-case hex address at index
func (k *Keyring) Address(index int64) (string, error) {
	key, err := k.PrivateKey(index)
	if err != nil {
		return "", err
	}
	return AddressOf(key), nil
}

// AddressOf returns the lower-case hex address of key
func AddressOf(key *ecdsa.PrivateKey) string {
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

// DecryptCollectionKey recovers the collection wallet key and checks that it
// matches the stored address.
func DecryptCollectionKey(encrypted, masterKey, expectedAddress string) (*ecdsa.PrivateKey, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("custody master key is not configured")
	}
	plain, err := pkgcrypto.Decrypt(encrypted, masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt collection key: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(plain, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse collection key: %w", err)
	}
	if !strings.EqualFold(AddressOf(key), expectedAddress) {
		return nil, fmt.Errorf("collection key does not match address %s", expectedAddress)
	}
	return key, nil
}

// EncryptPrivateKey seals key for storage in the collection_wallet table
func EncryptPrivateKey(key *ecdsa.PrivateKey, masterKey string) (string, error) {
	return pkgcrypto.Encrypt(common.Bytes2Hex(crypto.FromECDSA(key)), masterKey)
}
