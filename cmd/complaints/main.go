package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "complaints",
	Short: "Complaint embedding pipeline and sentiment agent",
	Long: `complaints keeps a vector index of customer complaints in sync with the
complaint database and runs a sentiment agent over windows of complaints.

Examples:
  complaints pipeline --follow
  complaints serve
  complaints analyze window.json
  complaints search "router keeps rebooting"`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(pipelineCmd, serveCmd, analyzeCmd, searchCmd, askCmd, deadLettersCmd, configCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
