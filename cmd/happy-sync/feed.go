package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"happy-sync/internal/client/api"
)

var (
	feedBefore string
	feedAfter  string
	feedLimit  int
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Page through the activity feed, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if feedBefore != "" && feedAfter != "" {
			return fmt.Errorf("--before and --after are mutually exclusive")
		}
		env, err := loadEnv()
		if err != nil {
			return err
		}
		if err := env.requireLogin(); err != nil {
			return err
		}

		page, err := env.api.Feed(cmd.Context(), api.FeedQuery{Before: feedBefore, After: feedAfter, Limit: feedLimit})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(page.Items) == 0 {
			fmt.Fprintln(out, infoStyle.Render("No feed items."))
			return nil
		}
		for _, it := range page.Items {
			fmt.Fprintln(out, renderFeedItem(it))
		}
		if page.HasMore {
			last := page.Items[len(page.Items)-1]
			fmt.Fprintf(out, "%s --before %s\n", infoStyle.Render("More:"), last.Cursor)
		}
		return nil
	},
}

func init() {
	feedCmd.Flags().StringVar(&feedBefore, "before", "", "only items older than this cursor")
	feedCmd.Flags().StringVar(&feedAfter, "after", "", "only items newer than this cursor")
	feedCmd.Flags().IntVar(&feedLimit, "limit", 0, "page size (server default 50, max 200)")
}
