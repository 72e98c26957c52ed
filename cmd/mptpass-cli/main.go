package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/mptpass/cmd/mptpass-cli/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mptpass-cli",
		Short: "mptpass CLI - adapter passthrough client",
		Long: `mptpass-cli talks to the admin API of an mptpass daemon to inspect
adapters and run passthrough and driver commands.

Configure the daemon endpoint:
  mptpass-cli config set endpoint http://127.0.0.1:9310

Or use environment variables:
  MPTPASS_ENDPOINT
  MPTPASS_SKIP_VERIFY`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Print raw JSON responses")

	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewAdapterCmd())
	rootCmd.AddCommand(commands.NewLogDataCmd())
	rootCmd.AddCommand(commands.NewPELCmd())
	rootCmd.AddCommand(commands.NewPassthroughCmd())
	rootCmd.AddCommand(commands.NewDriverCmd())
	rootCmd.AddCommand(commands.NewFaultsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
