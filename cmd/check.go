package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"grimm.is/sgmanager/internal/i18n"
)

func newCheckCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "check config",
		Short: "Validate a configuration file without contacting the control plane",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return RunCheck(g, args[0], c.OutOrStdout())
		},
	}
}

// RunCheck loads, expands and validates the configuration at path.
func RunCheck(g *Globals, path string, out io.Writer) error {
	groups, err := g.loadLocal(path)
	if err != nil {
		return err
	}
	rules := 0
	for _, grp := range groups {
		rules += grp.Rules.Len()
	}
	Printer.Fprintf(out, i18n.MsgValid, len(groups), rules)
	return nil
}
