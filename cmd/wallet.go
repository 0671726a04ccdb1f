package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tyler-smith/go-bip39"

	"github.com/custodial/settlement_service/internal/domain/services/custody"
	"github.com/custodial/settlement_service/internal/infrastructure/database"
	"github.com/custodial/settlement_service/internal/infrastructure/repositories"
)

const collectionKeyEnv = "COLLECTION_PRIVATE_KEY"

func newCollectionWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection-wallet",
		Short: "Manage the encrypted collection wallet key",
	}

	store := func(cmd *cobra.Command, hexKey string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		db, err := database.NewConnection(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		wallet := custody.NewCollectionWallet(repositories.NewCollectionRepository(db), cfg.Custody.MasterKey, log)
		stored, err := wallet.Import(cmd.Context(), hexKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "collection wallet: %s\n", stored.Address)
		return nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import",
		Short: "Encrypt and store the private key read from " + collectionKeyEnv,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hexKey := os.Getenv(collectionKeyEnv)
			if hexKey == "" {
				return fmt.Errorf("%s is not set", collectionKeyEnv)
			}
			return store(cmd, hexKey)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate a fresh collection key and store it encrypted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return store(cmd, "")
		},
	})

	return cmd
}

func newMnemonicCmd() *cobra.Command {
	var bits int
	cmd := &cobra.Command{
		Use:   "mnemonic",
		Short: "Print a new BIP-39 mnemonic for deposit address derivation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entropy, err := bip39.NewEntropy(bits)
			if err != nil {
				return err
			}
			mnemonic, err := bip39.NewMnemonic(entropy)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), mnemonic)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 256, "entropy size (128-256, multiple of 32)")
	return cmd
}
