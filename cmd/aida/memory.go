package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/aida/internal/memory"
)

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage long-term memories",
		Long:  "Inspect and prune the memories stored for a user (--user, default default_user).",
	}
	cmd.AddCommand(newMemoryPruneCmd())
	cmd.AddCommand(newMemoryClearCmd())
	cmd.AddCommand(newMemoryStatsCmd())
	return cmd
}

// withGateway runs fn against the configured memory backend.
func withGateway(cmd *cobra.Command, fn func(ctx context.Context, g *memory.Gateway, out io.Writer) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeApp(a)
	if a.cfg.Memory.Backend == "memory" {
		a.logger.Warn("memory.backend is the in-process store; it holds nothing between runs")
	}
	return fn(a.context(ctx), a.gateway, cmd.OutOrStdout())
}

func newMemoryPruneCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete memories older than --days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			return withGateway(cmd, func(ctx context.Context, g *memory.Gateway, out io.Writer) error {
				n, err := g.Prune(ctx, userID, time.Duration(days)*24*time.Hour)
				if err != nil {
					return err
				}
				printRemoved(out, n, fmt.Sprintf("older than %d days", days))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "Age in days")
	return cmd
}

func newMemoryClearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every memory for the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear memories for %s without --yes", memory.NormalizeUserID(userID))
			}
			return withGateway(cmd, func(ctx context.Context, g *memory.Gateway, out io.Writer) error {
				n, err := g.Clear(ctx, userID)
				if err != nil {
					return err
				}
				printRemoved(out, n, "")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func newMemoryStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show memory counts for the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, func(ctx context.Context, g *memory.Gateway, out io.Writer) error {
				st, err := g.Stats(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "User:     %s\n", st.UserID)
				fmt.Fprintf(out, "Backend:  %s\n", st.Backend)
				fmt.Fprintf(out, "Memories: %d\n", st.Count)
				return nil
			})
		},
	}
}

// printRemoved reports a deletion; n is -1 when the backend does not count.
func printRemoved(out io.Writer, n int, scope string) {
	if scope != "" {
		scope = " " + scope
	}
	if n < 0 {
		fmt.Fprintf(out, "Removed memories%s\n", scope)
		return
	}
	fmt.Fprintf(out, "Removed %d memories%s\n", n, scope)
}
