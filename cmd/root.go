// Package cmd implements the command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/sgmanager/internal/brand"
	"grimm.is/sgmanager/internal/i18n"
	"grimm.is/sgmanager/internal/logging"
	"grimm.is/sgmanager/internal/reconcile"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

// Control plane backends.
const (
	BackendNeutron = "neutron"
	BackendEC2     = "ec2"
	BackendMemory  = "memory"
)

// Globals holds the options shared by every command.
type Globals struct {
	Debug   bool
	LogJSON bool

	Backend  string
	Cloud    string
	Region   string
	VPCID    string
	State    string
	Timeout  time.Duration
	Insecure bool
	Egress   bool

	AuditDB     string
	MetricsFile string
	Pushgateway string
}

// NewRootCommand initializes the tree of commands.
func NewRootCommand() *cobra.Command {
	g := &Globals{}
	root := &cobra.Command{
		Use:   brand.BinaryName,
		Short: brand.Description,
		Long: brand.Tagline + `.

Security groups are described in a YAML, JSON or HCL file and compared
against the control plane. update shows what would change and applies it
with --force.`,
		Version:       brand.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(c *cobra.Command, _ []string) {
			g.setupLogging(c.ErrOrStderr())
		},
	}

	f := root.PersistentFlags()
	f.BoolVarP(&g.Debug, "debug", "d", false, "Enable debug logging")
	f.BoolVar(&g.LogJSON, "log-json", false, "Log in JSON format")
	f.StringVar(&g.Backend, "backend", brand.Env("BACKEND", BackendNeutron), "Control plane: neutron, ec2 or memory")
	f.StringVar(&g.Cloud, "os-cloud", os.Getenv("OS_CLOUD"), "Cloud name in clouds.yaml (neutron)")
	f.StringVar(&g.Region, "region", os.Getenv("AWS_REGION"), "AWS region (ec2)")
	f.StringVar(&g.VPCID, "vpc-id", "", "Restrict to one VPC (ec2)")
	f.StringVar(&g.State, "state", brand.Env("STATE", ""), "State file of the memory control plane")
	f.DurationVar(&g.Timeout, "timeout", 30*time.Second, "Timeout of each control plane request (neutron)")
	f.BoolVar(&g.Insecure, "insecure", false, "Skip TLS verification (neutron)")
	f.BoolVar(&g.Egress, "egress", false, "Manage egress rules too")
	f.StringVar(&g.AuditDB, "audit-db", brand.Env("AUDIT_DB", ""), "SQLite database recording applied mutations")
	f.StringVar(&g.MetricsFile, "metrics-file", "", "Write run metrics to this Prometheus textfile")
	f.StringVar(&g.Pushgateway, "pushgateway", "", "Push run metrics to this Prometheus Pushgateway URL")

	root.AddCommand(
		newDumpCommand(g),
		newUpdateCommand(g),
		newCheckCommand(g),
		newDiffCommand(g),
		newHistoryCommand(g),
	)
	return root
}

func (g *Globals) setupLogging(w io.Writer) {
	logging.SetProcessName(brand.BinaryName)
	cfg := logging.DefaultConfig()
	cfg.Output = w
	if g.Debug {
		cfg.Level = logging.LevelDebug
	}
	if g.LogJSON {
		cfg.Format = logging.FormatJSON
	}
	logging.SetDefault(logging.New(cfg))
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var te *reconcile.ThresholdError
	if errors.As(err, &te) {
		Printer.Fprintf(stderr, i18n.MsgThreshold, te.Percentage, te.Threshold)
		return 1
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
