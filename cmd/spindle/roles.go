package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ternarybob/spindle/internal/app"
)

func newMasterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Run the task registry",
		Long:  `Runs the master, which owns crawl tasks and collects fetcher heartbeats.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRole("master", (*app.App).RunMaster)
		},
	}
}

func newFetcherCmd() *cobra.Command {
	var id, masterURL string
	cmd := &cobra.Command{
		Use:   "fetcher",
		Short: "Run a fetcher node",
		Long:  `Runs a fetcher, which polls the master and crawls every running task.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRole("fetcher", func(a *app.App, ctx context.Context) error {
				if id != "" {
					a.Config.Fetcher.ID = id
				}
				if masterURL != "" {
					a.Config.Fetcher.MasterURL = masterURL
				}
				return a.RunFetcher(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Fetcher ID (overrides config)")
	cmd.Flags().StringVar(&masterURL, "master", "", "Master base URL (overrides config)")
	return cmd
}

func newAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the proxy agent",
		Long:  `Runs the agent, which checks proxies and serves the best ones to fetchers.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRole("agent", (*app.App).RunAgent)
		},
	}
}

func newCrawlCmd() *cobra.Command {
	var args []string
	cmd := &cobra.Command{
		Use:   "crawl <spider>",
		Short: "Run one spider in this process",
		Long: `Runs a registered spider locally until it completes or is interrupted.

Examples:
  # Follow links from one start page, two levels deep
  spindle crawl follow -a start_urls=https://example.com -a max_depth=2

  # Write items to a JSON lines file
  spindle crawl follow -a start_urls=https://example.com -a item_output=items.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			spiderArgs, err := parseArgs(args)
			if err != nil {
				return err
			}
			return runRole("crawl", func(a *app.App, ctx context.Context) error {
				progress, err := a.RunCrawl(ctx, positional[0], spiderArgs)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(progress)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&args, "arg", "a", nil, "Spider argument as key=value (repeatable)")
	return cmd
}

// parseArgs turns key=value pairs into a spider argument map
func parseArgs(pairs []string) (map[string]string, error) {
	result := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q, expected key=value", pair)
		}
		result[key] = value
	}
	return result, nil
}
