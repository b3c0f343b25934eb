package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"grimm.is/sgmanager/internal/config"
	"grimm.is/sgmanager/internal/secgroup"
)

func newDumpCommand(g *Globals) *cobra.Command {
	var format string
	c := &cobra.Command{
		Use:   "dump [config]",
		Short: "Print groups as a canonical document",
		Long: `Print the groups of the control plane, or of a local configuration file
when one is given, as a canonical document sorted by group name.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return RunDump(c.Context(), g, path, config.Format(format), c.OutOrStdout())
		},
	}
	c.Flags().StringVarP(&format, "output", "o", string(config.FormatYAML), "Output format: yaml or hcl")
	return c
}

// RunDump writes the canonical document of the local file at path, or of
// the remote groups when path is empty.
func RunDump(ctx context.Context, g *Globals, path string, format config.Format, out io.Writer) error {
	var (
		groups []*secgroup.Group
		err    error
	)
	if path != "" {
		groups, err = g.loadLocal(path)
	} else {
		groups, err = g.loadRemote(ctx)
		groups = managed(groups)
	}
	if err != nil {
		return err
	}

	data, err := config.Dump(groups, format)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// managed drops the implicit default group.
func managed(groups []*secgroup.Group) []*secgroup.Group {
	out := make([]*secgroup.Group, 0, len(groups))
	for _, g := range groups {
		if g.Name != secgroup.DefaultGroupName {
			out = append(out, g)
		}
	}
	return out
}
