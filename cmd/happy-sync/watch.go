package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"happy-sync/internal/client/conn"
	"happy-sync/internal/client/dispatch"
	"happy-sync/internal/client/syncstate"
	"happy-sync/internal/protocol"
	"happy-sync/internal/retry"
	"happy-sync/internal/sealed"
)

var watchKey string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print state transitions and updates",
	Long: `Open the realtime connection and print every connection state change,
persistent update, resync snapshot and ephemeral signal as it is applied.
Applied seqs are checkpointed in state_dir, so a restarted watch resyncs the
entities it already knew about.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		if err := env.requireLogin(); err != nil {
			return err
		}
		open, err := messageOpener(watchKey)
		if err != nil {
			return err
		}

		seqs, err := syncstate.Open(env.cfg.StateDir)
		if err != nil {
			return err
		}
		defer seqs.Close()

		ctx := cmd.Context()
		mgr, err := conn.NewManager(ctx, conn.NewWebsocketDialer(env.cfg.ServerURL, env.cfg.DialerSettings()), env.creds, env.cfg.ConnOptions())
		if err != nil {
			return err
		}
		defer mgr.Close()

		disp, err := dispatch.New(ctx, mgr, dispatch.NewMemoryStore(), seqs)
		if err != nil {
			return err
		}
		mgr.SetHandler(disp)

		out := cmd.OutOrStdout()
		stopChanges := disp.SubscribeAll(func(c dispatch.Change) {
			fmt.Fprintln(out, renderChange(c, open))
		})
		defer stopChanges()

		events, stopEvents := mgr.Subscribe()
		defer stopEvents()
		mgr.Start()
		return watchStates(ctx.Done(), events, out)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchKey, "key", "", "base64 data key used to open message content")
}

// watchStates prints transitions until done closes or the connection ends
// for good.
func watchStates(done <-chan struct{}, events <-chan conn.Event, out io.Writer) error {
	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Fprintln(out, renderState(ev))
			if ev.To == conn.Unauthenticated {
				return fmt.Errorf("%w: run login again", conn.ErrUnauthenticated)
			}
			var ex *retry.ExhaustedError
			if ev.To == conn.Disconnected && errors.As(ev.Err, &ex) {
				return ex
			}
		}
	}
}

func messageOpener(encoded string) (opener, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := sealed.ParseKey(encoded)
	if err != nil {
		return nil, err
	}
	return func(m protocol.Message) (string, bool) {
		plain, err := sealed.SecretBox{}.Open(key, m.Content)
		if err != nil {
			return "", false
		}
		return string(plain), true
	}, nil
}
