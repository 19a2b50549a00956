package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign a challenge with the device key and store a token",
	Long: `Sign a fresh challenge with this device's account key and exchange it for
a bearer token. The key is generated on first use and kept in the credentials
file, so later logins map to the same account.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		if err := env.creds.Login(cmd.Context(), env.api); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s as %s\n", successStyle.Render("Logged in"), idStyle.Render(env.creds.PublicKey()))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token, keeping the device key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		if err := env.creds.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Logged out"))
		return nil
	},
}
