package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"happy-sync/internal/client/push"
	"happy-sync/internal/retry"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Manage this account's push tokens",
}

var pushRegisterCmd = &cobra.Command{
	Use:   "register <token>",
	Short: "Register a push token, retrying with backoff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}

		done := make(chan error, 1)
		r := push.NewRegistrar(cmd.Context(), env.api, env.creds, retry.NewCoordinator())
		r.OnDone = func(token string, err error) { done <- err }
		if err := r.Register(args[0]); err != nil {
			if errors.Is(err, push.ErrDeferred) {
				return fmt.Errorf("%w; run login first", err)
			}
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), infoStyle.Render("Registering..."))
		if err := <-done; err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Registered"))
		return nil
	},
}

var pushListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered push tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		if err := env.requireLogin(); err != nil {
			return err
		}
		tokens, err := env.api.ListPushTokens(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(tokens) == 0 {
			fmt.Fprintln(out, infoStyle.Render("No push tokens."))
			return nil
		}
		for _, t := range tokens {
			fmt.Fprintf(out, "%s  %s\n", t.Token, dateStyle.Render("updated "+formatTime(t.UpdatedAt)))
		}
		return nil
	},
}

var pushDeleteCmd = &cobra.Command{
	Use:   "delete <token>",
	Short: "Remove a push token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		if err := env.requireLogin(); err != nil {
			return err
		}
		if err := env.api.DeletePushToken(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Deleted"))
		return nil
	},
}

func init() {
	pushCmd.AddCommand(pushRegisterCmd, pushListCmd, pushDeleteCmd)
}
