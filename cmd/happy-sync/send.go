package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"happy-sync/internal/client/conn"
	"happy-sync/internal/client/dispatch"
	"happy-sync/internal/protocol"
	"happy-sync/internal/sealed"
	"happy-sync/internal/state"
)

var (
	sendKey     string
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <session-id> <text>",
	Short: "Seal a message and append it to a session",
	Long: `Seal text with the session's data key and append it to the session as a
persistent message. The command connects, waits for the server's ack, and
prints the message seq.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		if err := env.requireLogin(); err != nil {
			return err
		}
		if sendKey == "" {
			return fmt.Errorf("--key is required")
		}
		key, err := sealed.ParseKey(sendKey)
		if err != nil {
			return err
		}
		msg, err := sealed.SecretBox{}.Seal(key, []byte(args[1]))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()
		mgr, err := conn.NewManager(ctx, conn.NewWebsocketDialer(env.cfg.ServerURL, env.cfg.DialerSettings()), env.creds, env.cfg.ConnOptions())
		if err != nil {
			return err
		}
		defer mgr.Close()
		disp, err := dispatch.New(ctx, mgr, dispatch.NewMemoryStore(), nil)
		if err != nil {
			return err
		}
		mgr.SetHandler(disp)
		mgr.Start()

		localID := uuid.NewString()
		type ackResult struct {
			ack protocol.MutationAck
			err error
		}
		acked := make(chan ackResult, 1)
		m := dispatch.Mutation{
			Key:   state.Key{Kind: state.KindSession, ID: args[0]},
			Event: protocol.EventMessage,
			Body:  protocol.MessageRequest{SID: args[0], Message: msg.C, LocalID: &localID},
		}
		if err := disp.Submit(ctx, m, func(ack protocol.MutationAck, err error) {
			acked <- ackResult{ack, err}
		}); err != nil {
			return err
		}

		select {
		case r := <-acked:
			if r.err != nil {
				return r.err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s seq=%d\n", successStyle.Render("Sent"), r.ack.Seq)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("send: %w", ctx.Err())
		}
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendKey, "key", "", "base64 data key of the session")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "give up if the server has not acked by then")
}
