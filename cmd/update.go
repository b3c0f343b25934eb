package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"grimm.is/sgmanager/internal/audit"
	"grimm.is/sgmanager/internal/brand"
	"grimm.is/sgmanager/internal/clock"
	"grimm.is/sgmanager/internal/i18n"
	"grimm.is/sgmanager/internal/logging"
	"grimm.is/sgmanager/internal/metrics"
	"grimm.is/sgmanager/internal/reconcile"
)

// UpdateFlags holds the options of the update command.
type UpdateFlags struct {
	Force              bool
	Threshold          float64
	NoThreshold        bool
	NoRemove           bool
	ExcludeTag         string
	UpdateDescriptions bool
	Report             string
}

// Options converts the flags into reconciliation options.
func (f UpdateFlags) Options() reconcile.Options {
	opts := reconcile.Options{
		DryRun:             !f.Force,
		Remove:             !f.NoRemove,
		ExcludeTag:         f.ExcludeTag,
		Threshold:          f.Threshold,
		UpdateDescriptions: f.UpdateDescriptions,
	}
	if f.NoThreshold {
		opts.Threshold = reconcile.NoThreshold
	}
	return opts
}

func (f *UpdateFlags) bind(fl *pflag.FlagSet) {
	fl.BoolVarP(&f.Force, "force", "f", false, "Apply the changes")
	fl.Float64VarP(&f.Threshold, "threshold", "t", reconcile.DefaultThreshold, "Abort when more than this percentage of rules would change")
	fl.BoolVar(&f.NoThreshold, "no-threshold", false, "Disable the change threshold")
	fl.BoolVar(&f.NoRemove, "no-remove", false, "Keep remote rules and groups missing from the configuration")
	fl.StringVarP(&f.ExcludeTag, "exclude-tag", "e", brand.DefaultExcludeTag, "Ignore remote groups carrying this tag")
	fl.BoolVar(&f.UpdateDescriptions, "update-descriptions", false, "Apply description changes of existing groups")
	fl.StringVar(&f.Report, "report", "", "Print the plan as json or yaml")
}

func newUpdateCommand(g *Globals) *cobra.Command {
	var f UpdateFlags
	c := &cobra.Command{
		Use:   "update config",
		Short: "Reconcile the control plane with a configuration file",
		Long: `Compute the changes needed to make the control plane match the
configuration and print them. Nothing is applied unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return RunUpdate(c.Context(), g, args[0], f, c.OutOrStdout(), c.ErrOrStderr())
		},
	}
	f.bind(c.Flags())
	return c
}

// RunUpdate runs one reconciliation pass of the configuration at path.
func RunUpdate(ctx context.Context, g *Globals, path string, f UpdateFlags, out, errOut io.Writer) (err error) {
	log := logging.WithComponent("cli")

	if f.Report != "" && f.Report != "json" && f.Report != "yaml" {
		return fmt.Errorf("unknown report format %q", f.Report)
	}

	local, err := g.loadLocal(path)
	if err != nil {
		return err
	}

	client, done, err := g.client(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, done())
	}()

	reg := metrics.New(clock.RealClock{})
	ropts := []reconcile.Option{reconcile.WithObserver(reg)}
	if g.AuditDB != "" {
		store, err := audit.NewStore(g.AuditDB)
		if err != nil {
			return err
		}
		defer store.Close()
		ropts = append(ropts, reconcile.WithAuditor(store))
	}

	r := g.reconciler(client, ropts...)
	r.SetLocal(local)
	opts := f.Options()
	plan, err := r.Reconcile(ctx, opts)

	if plan != nil {
		summary := out
		if f.Report != "" {
			summary = errOut
			if rerr := writeReport(out, plan, f.Report); rerr != nil {
				return errors.Join(err, rerr)
			}
		}
		printSummary(summary, plan, opts)
	}

	if g.MetricsFile != "" {
		if merr := reg.WriteTextfile(g.MetricsFile); merr != nil {
			log.Warn("failed to write metrics", "file", g.MetricsFile, "error", merr)
		}
	}
	if g.Pushgateway != "" {
		if merr := reg.Push(g.Pushgateway, brand.MetricsJob); merr != nil {
			log.Warn("failed to push metrics", "url", g.Pushgateway, "error", merr)
		}
	}
	return err
}

func printSummary(w io.Writer, plan *reconcile.Plan, opts reconcile.Options) {
	if plan.Empty() {
		Printer.Fprintf(w, i18n.MsgNoChanges)
		return
	}
	Printer.Fprintf(w, i18n.MsgSummary, plan.Changes, plan.Unchanged, plan.Percentage())
	switch {
	case plan.Applied:
		Printer.Fprintf(w, i18n.MsgApplied, plan.Changes)
	case opts.DryRun:
		Printer.Fprintf(w, i18n.MsgDryRun)
	}
}

func writeReport(w io.Writer, plan *reconcile.Plan, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(plan); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plan); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}
