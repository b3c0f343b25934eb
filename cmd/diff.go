package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"grimm.is/sgmanager/internal/config"
	"grimm.is/sgmanager/internal/i18n"
)

// ErrDiffers is returned by RunDiff when the control plane does not match
// the configuration.
var ErrDiffers = errors.New("configuration differs")

func newDiffCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "diff config",
		Short: "Show a unified diff between the control plane and a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return RunDiff(c.Context(), g, args[0], c.OutOrStdout())
		},
	}
}

// RunDiff compares the canonical documents of the remote groups and of the
// configuration at path.
func RunDiff(ctx context.Context, g *Globals, path string, out io.Writer) error {
	local, err := g.loadLocal(path)
	if err != nil {
		return err
	}
	remote, err := g.loadRemote(ctx)
	if err != nil {
		return err
	}

	before, err := config.DumpYAML(managed(remote))
	if err != nil {
		return err
	}
	after, err := config.DumpYAML(local)
	if err != nil {
		return err
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: "remote",
		ToFile:   path,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Errorf("failed to compute diff: %w", err)
	}
	if text == "" {
		Printer.Fprintf(out, i18n.MsgNoDifferences)
		return nil
	}
	fmt.Fprint(out, text)
	return ErrDiffers
}
