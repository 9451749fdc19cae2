package cmd

import (
	"github.com/spf13/cobra"
)

// Build-time variables
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// SetVersion sets the version info from main
func SetVersion(v, c, d string) {
	Version = v
	Commit = c
	Date = d
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Mnemo - semantic memory for coding agents",
	Long:  "Ingestion, arbitration and retrieval of agent memories over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the mnemo command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to YAML config file")

	// serve, version, status (defined in serve.go)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)

	// remember, recall (defined in remember.go)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
}
