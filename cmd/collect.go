package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodial/settlement_service/internal/infrastructure/database"
	"github.com/custodial/settlement_service/internal/infrastructure/di"
)

func newCollectCmd() *cobra.Command {
	var token, executedBy string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection sweep for a token and wait for it to finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			db, err := database.NewConnection(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			container, err := di.NewContainer(cmd.Context(), cfg, db, log)
			if err != nil {
				return fmt.Errorf("failed to create DI container: %w", err)
			}
			defer container.Publisher.Close()

			record, err := container.CollectionService.Run(cmd.Context(), token, executedBy)
			if err != nil {
				return err
			}
			if record == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to collect")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sweep %s: %s, %d collected, %d failed, total %s %s\n",
				record.ID, record.Status, record.SucceededCount, record.FailedCount,
				record.TotalCollected.String(), record.TokenSymbol)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token symbol to sweep")
	cmd.Flags().StringVar(&executedBy, "executed-by", "cli", "operator recorded on the sweep")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}
