package main

import (
	"flag"
	"fmt"

	"github.com/spf13/cobra"
	"happy-sync/internal/client/api"
	"happy-sync/internal/client/config"
	"happy-sync/internal/client/credentials"
)

var (
	version = "dev"

	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "happy-sync",
	Short: "Sync client for a happy-sync server",
	Long: `Pair this device with a happy-sync account, follow its sessions and
machines in real time, and page through the activity feed.

Quick Start:
  happy-sync login                 # create or reuse a device key and get a token
  happy-sync watch                 # stay connected and print every update
  happy-sync feed --limit 20       # newest feed items first`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $HAPPY_SYNC_CONFIG or ~/.happy-sync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server base url, overrides server_url")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(loginCmd, logoutCmd, watchCmd, feedCmd, pushCmd, sendCmd, versionCmd)
}

// clientEnv is everything a subcommand needs from disk.
type clientEnv struct {
	cfg   *config.Config
	creds *credentials.Store
	api   *api.Client
}

func loadEnv() (*clientEnv, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	creds, err := credentials.Open(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	return &clientEnv{cfg: cfg, creds: creds, api: api.New(cfg.ServerURL, creds, nil)}, nil
}

func (e *clientEnv) requireLogin() error {
	if !e.creds.HasStoredCredentials() {
		return credentials.ErrNoCredentials
	}
	return nil
}
