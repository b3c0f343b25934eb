package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/sgmanager/internal/audit"
	"grimm.is/sgmanager/internal/i18n"
)

func newHistoryCommand(g *Globals) *cobra.Command {
	var f audit.Filter
	c := &cobra.Command{
		Use:   "history",
		Short: "List mutations recorded in the audit database",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return RunHistory(c.Context(), g, f, c.OutOrStdout())
		},
	}
	c.Flags().IntVarP(&f.Limit, "limit", "n", 50, "Maximum number of events")
	c.Flags().StringVar(&f.RunID, "run", "", "Only show events of this run")
	c.Flags().StringVar(&f.Action, "action", "", "Only show events of this action")
	return c
}

// RunHistory prints the audit events matching f, most recent first.
func RunHistory(ctx context.Context, g *Globals, f audit.Filter, out io.Writer) error {
	if g.AuditDB == "" {
		return errors.New("--audit-db is required")
	}
	store, err := audit.NewStore(g.AuditDB)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.Query(ctx, f)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		Printer.Fprintf(out, i18n.MsgNoHistory)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tRUN\tACTION\tGROUP\tTARGET\tSTATUS")
	for _, e := range events {
		status := e.Status
		if e.Error != "" {
			status += ": " + e.Error
		}
		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), run, e.Action, e.Group, e.Target, status)
	}
	return tw.Flush()
}
