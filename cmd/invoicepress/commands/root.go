// Package commands implements the invoicepress CLI, following the
// teacher's cobra-based command tree: a thin root command, a config-file
// flag shared by every subcommand, and a "start" subcommand that wires
// the process together and blocks until shutdown.
package commands

import (
	"github.com/spf13/cobra"
)

// Version, Commit and Date are populated by main via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "invoicepress",
	Short: "PDF invoice imposition service",
	Long: `invoicepress accepts batches of invoice PDFs, lays them out N-up onto
printable sheets, and serves the composed output back over HTTP.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to YAML config file (default: ./invoicepress.yaml)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

// GetConfigFile returns the path given via --config, or "" for the
// default search path.
func GetConfigFile() string {
	return configFile
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("invoicepress %s (commit %s, built %s)\n", Version, Commit, Date)
		return nil
	},
}
