package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoravur/syncbroker/internal/auth"
)

var (
	flagTokenUser string
	flagTokenID   string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a session token with the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Auth.Secret == "" {
			return errors.New("auth.secret is not set")
		}
		codec, err := auth.NewJWTCodec([]byte(cfg.Auth.Secret),
			auth.WithIssuer(cfg.Auth.Issuer),
			auth.WithTTL(cfg.Auth.TokenTTL))
		if err != nil {
			return err
		}
		token, err := codec.Sign(auth.User{ID: flagTokenID, Name: flagTokenUser})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagTokenUser, "user", "", "user name carried by the token")
	tokenCmd.Flags().StringVar(&flagTokenID, "id", "0", "user id carried by the token")
	_ = tokenCmd.MarkFlagRequired("user")
}
