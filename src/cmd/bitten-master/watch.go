package main

import (
	"time"

	"github.com/spf13/cobra"

	"bitten-master/src/logger"
	"bitten-master/src/mcp"
	"bitten-master/src/tui"
	"bitten-master/src/view"
)

func newWatchCmd(a *app) *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show a live board of recent builds",
		Long: `Opens a terminal board of recent builds read from the configured store.
The board reloads periodically; select a build to see its steps, errors and
the log of failed steps.

The memory store is private to each process, so watching needs the sqlite
or postgres store the master writes to.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(a, func(e *env) error {
				return tui.Start(cmd.Context(), view.NewPresenter(e.store, e.master.Options), refresh)
			})
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", tui.DefaultRefreshInterval, "board reload interval")
	return cmd
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve builds to language models over MCP (stdio)",
		Long: `Runs a Model Context Protocol server on stdin/stdout exposing tools to
list configurations, inspect builds and read step logs and charts.

Logs go to stderr and the log file so that stdout stays reserved for the
protocol.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var log logger.Logger = a.log
			return withEnv(a, func(e *env) error {
				return mcp.NewServer(view.NewPresenter(e.store, e.master.Options), log).Run()
			})
		},
	}
}
