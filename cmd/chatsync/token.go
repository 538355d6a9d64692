package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sudooom.im.chatsync/internal/jwt"
)

var tokenUser string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for an identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUser == "" {
			return fmt.Errorf("--user is required")
		}
		tokens := jwt.NewService(cfg.Auth.Secret, cfg.Auth.AccessExpire, cfg.Auth.Issuer)
		token, expiresAt, err := tokens.GenerateAccessToken(tokenUser)
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "identity id to issue the token for")
}
