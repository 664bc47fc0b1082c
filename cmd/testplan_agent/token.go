package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/testplan-agent/internal/server"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a bearer token for the API server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jwtCfg, err := settings.JWT()
		if err != nil {
			return err
		}
		if jwtCfg == nil {
			return errors.New("JWT_SECRET is required to mint tokens")
		}
		token, err := server.NewJWTService(jwtCfg).GenerateToken(args[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
