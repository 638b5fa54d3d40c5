// Package commands implements the embeddedbroker CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/embeddedbroker/internal/cli/output"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile      string
	outputFormat string
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "embeddedbroker",
		Short: "Single-node message broker for tests and local development",
		Long: `embeddedbroker runs a complete single-node broker (coordination service,
ledger storage and broker) on automatically allocated local ports.

Use "embeddedbroker [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus EMBEDDEDBROKER_* env)")
	root.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table|json|yaml)")

	root.AddCommand(newStartCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newTopicsCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newVersionCmd())
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

func printer(cmd *cobra.Command) (*output.Printer, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(cmd.OutOrStdout(), format), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("embeddedbroker %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}
