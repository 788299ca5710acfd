package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xerilium/catalyst/internal/server"
	"github.com/xerilium/catalyst/internal/state"
)

func newRunsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and prune persisted runs",
	}
	cmd.AddCommand(newRunsListCmd(g), newRunsShowCmd(g), newRunsPruneCmd(g))
	return cmd
}

func newRunsListCmd(g *globalOptions) *cobra.Command {
	var archived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active (or archived) runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.newEnv()
			if err != nil {
				return err
			}
			list, load := e.store.ListActiveRuns, e.store.Load
			if archived {
				list, load = e.store.ListArchivedRuns, e.store.LoadArchived
			}
			ids, err := list()
			if err != nil {
				return withExit(ExitFailure, err)
			}
			if len(ids) == 0 {
				fmt.Fprintln(g.stdout, "No runs found.")
				return nil
			}

			tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tPLAYBOOK\tSTATUS\tSTARTED\tSTEPS DONE\tCURRENT")
			var loadErrs []error
			for _, id := range ids {
				st, err := load(id)
				if err != nil {
					loadErrs = append(loadErrs, err)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", st.RunID, st.PlaybookName, st.Status,
					st.StartTime.Local().Format(time.DateTime), len(st.CompletedSteps), st.CurrentStepName)
			}
			if err := tw.Flush(); err != nil {
				return withExit(ExitFailure, err)
			}
			if len(loadErrs) > 0 {
				return withExit(ExitFailure, errors.Join(loadErrs...))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "list archived runs instead of active ones")
	return cmd
}

func newRunsShowCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <runId>",
		Short: "Print the persisted state of a run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.newEnv()
			if err != nil {
				return err
			}
			st, err := e.store.Load(args[0])
			if errors.Is(err, state.ErrNotFound) {
				st, err = e.store.LoadArchived(args[0])
			}
			if err != nil {
				return withExit(ExitFailure, err)
			}
			enc := json.NewEncoder(g.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func newRunsPruneCmd(g *globalOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived runs older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.newEnv()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = e.settings.ArchiveRetentionDays
			}
			if days < 0 {
				return withExit(ExitUsageError, fmt.Errorf("--days must not be negative, got %d", days))
			}
			n, err := e.store.PruneArchive(days)
			if err != nil {
				return withExit(ExitFailure, err)
			}
			fmt.Fprintf(g.stdout, "Pruned %d archived run(s) older than %d days\n", n, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default from settings)")
	return cmd
}

func newLocksCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clean up resource locks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List held locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.newEnv()
			if err != nil {
				return err
			}
			locks, err := e.locks.AllLocks()
			if err != nil {
				return withExit(ExitFailure, err)
			}
			if len(locks) == 0 {
				fmt.Fprintln(g.stdout, "No locks held.")
				return nil
			}
			now := time.Now()
			tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tHOLDER\tPATHS\tBRANCHES\tEXPIRES")
			for _, l := range locks {
				expires := l.ExpiresAt().Local().Format(time.DateTime)
				if l.Expired(now) {
					expires += " (stale)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%s\n", l.RunID, l.Holder, l.Paths, l.Branches, expires)
			}
			return tw.Flush()
		},
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.newEnv()
			if err != nil {
				return err
			}
			n, err := e.locks.CleanupStale()
			if err != nil {
				return withExit(ExitFailure, err)
			}
			fmt.Fprintf(g.stdout, "Removed %d stale lock(s)\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, cleanup)
	return cmd
}

func newServeCmd(g *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API (runs, locks, metrics)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.newEnv()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = e.settings.StatusAddr
			}
			srv := server.New(e.store, e.locks, e.metrics.Registry(), e.log)
			if err := srv.ListenAndServe(cmd.Context(), addr); err != nil {
				return withExit(ExitFailure, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from settings)")
	return cmd
}
