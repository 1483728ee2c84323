package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/signwatch/internal/config"
)

func init() {
	rootCmd.AddCommand(lintCmd)
}

var lintCmd = &cobra.Command{
	Use:   "lint <policy.yaml>",
	Short: "Check a policy file for errors",
	Long: "Parses the policy file and assembles the engine from it, reporting the\n" +
		"first configuration error: bad addresses, bad discriminators, expression\n" +
		"rules that do not compile, or conflicting entries.",
	Args: cobra.ExactArgs(1),
	RunE: runLint,
}

func runLint(cmd *cobra.Command, args []string) error {
	doc, hash, err := config.LoadWithHash(args[0])
	if err != nil {
		return err
	}
	if _, err := doc.Build(); err != nil {
		return err
	}
	fmt.Printf("OK: %s (%s)\n", args[0], hash)
	return nil
}
