package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "converter",
	Short: "Asynchronous file conversion service",
	Long: `Accepts files over HTTP, converts them on background workers and keeps
the results available for the retention period of the owner's plan.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			os.Setenv("CONVERTER_CONFIG", cfgFile)
		}
		if noColor {
			color.NoColor = true
		}
	},
	SilenceUsage: true,
}

// Execute runs the command line. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (overrides CONVERTER_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")
}
