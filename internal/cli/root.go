package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "signwatch",
	Short: "Pre-signing policy firewall for Solana transactions",
	Long: "Inspects every instruction of a transaction before it is signed and\n" +
		"evaluates it against a deny-by-default policy: per-program instruction\n" +
		"rules, global transaction shape, and optional simulation. Anything the\n" +
		"policy does not explicitly allow is refused.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
