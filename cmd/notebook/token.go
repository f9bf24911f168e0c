package main

import (
	"errors"
	"fmt"
	"time"

	"notebook-sync-client/pkg/jwt"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the bridge API",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("subject", "ui", "token subject")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime; defaults to JWT_EXPIRATION")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.JWT.Secret == "" {
		return errors.New("BRIDGE_JWT_SECRET is not set; the bridge runs without authentication")
	}

	subject, _ := cmd.Flags().GetString("subject")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = a.cfg.JWT.Expiration
	}

	token, err := jwt.GenerateToken(subject, ttl, a.cfg.JWT.Secret)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	a.logger.Debug("[Main] token issued", "subject", subject, "expires", time.Now().Add(ttl))
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
