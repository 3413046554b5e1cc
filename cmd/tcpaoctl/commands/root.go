// Package commands implements the tcpaoctl subcommands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the top-level cobra command for tcpaoctl.
var rootCmd = &cobra.Command{
	Use:           "tcpaoctl",
	Short:         "Offline operator companion for tcpaoproxy",
	Long:          "tcpaoctl validates TOML configuration files and previews AO policy selection without starting a proxy process.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(selectCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
