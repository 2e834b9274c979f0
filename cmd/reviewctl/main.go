/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main is an operator tool for inspecting and nudging review
// sessions kept in a SQL session store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainguard.dev/prreview/bus/push"
	"chainguard.dev/prreview/dispatch"
	"chainguard.dev/prreview/session"
	"chainguard.dev/prreview/session/sqlstore"
	"chainguard.dev/prreview/watcher"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type storeFlags struct {
	driver string
	dsn    string
}

func (f *storeFlags) open(ctx context.Context) (*sqlstore.Store, error) {
	if f.dsn == "" {
		return nil, fmt.Errorf("--dsn is required")
	}
	return sqlstore.Open(ctx, f.driver, f.dsn, nil)
}

func newRootCmd() *cobra.Command {
	sf := &storeFlags{}
	root := &cobra.Command{
		Use:           "reviewctl",
		Short:         "Inspect and manage pull request review sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sf.driver, "driver", envOr("STORE_DRIVER", sqlstore.DriverSQLite), "session store driver (sqlite or mysql)")
	root.PersistentFlags().StringVar(&sf.dsn, "dsn", os.Getenv("STORE_DSN"), "session store data source name")

	root.AddCommand(newGetCmd(sf), newListCmd(sf), newCheckCmd(sf), newFailCmd(sf))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newGetCmd(sf *storeFlags) *cobra.Command {
	var showReport bool
	cmd := &cobra.Command{
		Use:   "get <review-id>",
		Short: "Show a session and the state of each domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			s, err := store.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Review:   %s\n", s.ReviewID)
			fmt.Fprintf(out, "Pull:     %s#%d @ %s\n", s.PRInfo.RepoFullName, s.PRInfo.PRNumber, s.PRInfo.HeadSHA)
			fmt.Fprintf(out, "Status:   %s (%d/%d tasks)\n", s.Status, s.TasksCompleted, s.TotalTasks)
			fmt.Fprintf(out, "Updated:  %s\n", s.UpdatedAt.Format(time.RFC3339))
			if s.FinalError != "" {
				fmt.Fprintf(out, "Error:    %s\n", s.FinalError)
			}
			fmt.Fprintln(out)

			if err := writeTable(out, []string{"DOMAIN", "STATUS", "FILES", "ERROR"}, domainRows(s)); err != nil {
				return err
			}

			if showReport && s.FinalReport != "" {
				fmt.Fprintf(out, "\n%s\n", s.FinalReport)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showReport, "report", false, "print the final report")
	return cmd
}

func newListCmd(sf *storeFlags) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sessions, most recently updated first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := sf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.List(cmd.Context(), session.Status(status))
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
				return nil
			}
			return writeTable(cmd.OutOrStdout(), []string{"REVIEW", "HEAD", "STATUS", "TASKS", "UPDATED"}, sessionRows(sessions))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list sessions with this status")
	return cmd
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func newCheckCmd(sf *storeFlags) *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "check <review-id>",
		Short: "Run the completion check, consolidating a fully reported session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if endpoint == "" {
				return fmt.Errorf("--push-endpoint is required")
			}
			store, err := sf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			w := watcher.New(store, dispatch.New(push.NewPublisher(endpoint)))
			flipped, err := w.Check(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flipped {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: consolidation dispatched\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to do\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "push-endpoint", os.Getenv("PUSH_ENDPOINT"), "base URL of the reviewer's push receiver")
	return cmd
}

func newFailCmd(sf *storeFlags) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "fail <review-id>",
		Short: "Move a stuck session to the error state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			s, err := store.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if _, err := store.ConditionalCommit(cmd.Context(), args[0], s.PRInfo.HeadSHA, session.Fail(message)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: marked as error\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "failed by operator", "error text recorded on the session")
	return cmd
}
