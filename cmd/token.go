package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/custodial/settlement_service/internal/infrastructure/cache"
	"github.com/custodial/settlement_service/pkg/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and revoke API bearer tokens",
	}

	var (
		userID string
		role   string
		ttl    time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			if role != auth.RoleUser && role != auth.RoleAdmin {
				return fmt.Errorf("--role must be %s or %s", auth.RoleUser, auth.RoleAdmin)
			}
			token, err := auth.IssueToken(id, role, cfg.JWT.Secret, cfg.JWT.Issuer, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&userID, "user", "", "user id the token acts for")
	issue.Flags().StringVar(&role, "role", auth.RoleUser, "user or admin")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("user")
	cmd.AddCommand(issue)

	var revokeUser string
	var revokeTTL time.Duration
	revoke := &cobra.Command{
		Use:   "revoke-user",
		Short: "Revoke every token issued to a user so far",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(revokeUser)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			client, err := cache.NewRedisClient(cfg.Redis, log)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := auth.NewRevocations(client.Client()).RevokeUser(cmd.Context(), id, revokeTTL); err != nil {
				return err
			}
			log.Info("Tokens revoked", "user_id", id)
			return nil
		},
	}
	revoke.Flags().StringVar(&revokeUser, "user", "", "user id whose tokens are revoked")
	revoke.Flags().DurationVar(&revokeTTL, "ttl", 24*time.Hour, "how long the revocation is kept; at least the longest token lifetime")
	_ = revoke.MarkFlagRequired("user")
	cmd.AddCommand(revoke)

	return cmd
}
