package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"marketpulse/internal/domain/entity"
)

func newFeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Manage feed sources",
	}
	cmd.AddCommand(newFeedAddCommand())
	cmd.AddCommand(newFeedListCommand())
	cmd.AddCommand(newFeedEnableCommand())
	cmd.AddCommand(newFeedDisableCommand())
	return cmd
}

func newFeedAddCommand() *cobra.Command {
	var (
		title        string
		intervalMins int
		autoAnalyze  bool
		source       string
		feedType     string
	)

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a new feed source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now()
			feed := &entity.Feed{
				URL:                args[0],
				Title:              title,
				Status:             entity.FeedStatusActive,
				FetchIntervalMins:  intervalMins,
				NextFetchAt:        now,
				AutoAnalyzeEnabled: autoAnalyze,
				Source:             source,
				Type:               feedType,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if err := feed.Validate(); err != nil {
				return err
			}

			id, err := a.store.Feeds().Create(cmd.Context(), feed)
			if err != nil {
				return fmt.Errorf("create feed: %w", err)
			}
			feed.ID = id
			return printFeed(feed)
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "display title")
	cmd.Flags().IntVar(&intervalMins, "interval-mins", 30, "fetch interval in minutes")
	cmd.Flags().BoolVar(&autoAnalyze, "auto-analyze", false, "queue new items from this feed for automatic analysis")
	cmd.Flags().StringVar(&source, "source", "", "free-text source label")
	cmd.Flags().StringVar(&feedType, "type", "rss", "feed type (rss, atom)")
	return cmd
}

func newFeedListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered feeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			feeds, err := a.store.Feeds().List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list feeds: %w", err)
			}
			return printFeeds(feeds)
		},
	}
}

func newFeedEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <feed-id>",
		Short: "Set a feed's status to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setFeedStatus(cmd.Context(), args[0], entity.FeedStatusActive)
		},
	}
}

func newFeedDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <feed-id>",
		Short: "Set a feed's status to inactive, pausing its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setFeedStatus(cmd.Context(), args[0], entity.FeedStatusInactive)
		},
	}
}

func setFeedStatus(ctx context.Context, idArg string, status entity.FeedStatus) error {
	id, err := parseID(idArg)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Feeds().SetStatus(ctx, id, status); err != nil {
		return fmt.Errorf("set feed status: %w", err)
	}

	feed, err := a.store.Feeds().GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("reload feed: %w", err)
	}
	return printFeed(feed)
}

func printFeed(f *entity.Feed) error {
	return printFeeds([]*entity.Feed{f})
}

func printFeeds(feeds []*entity.Feed) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(feeds)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tINTERVAL\tAUTO-ANALYZE\tNEXT FETCH\tURL")
	for _, f := range feeds {
		fmt.Fprintf(tw, "%d\t%s\t%dm\t%t\t%s\t%s\n",
			f.ID, f.Status, f.FetchIntervalMins, f.AutoAnalyzeEnabled,
			f.NextFetchAt.Format(time.RFC3339), f.URL)
	}
	return tw.Flush()
}
