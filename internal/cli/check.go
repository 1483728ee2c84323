package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	"github.com/ppiankov/signwatch/sdk/go/signwatch"
)

var (
	checkPolicy  string
	checkSigner  string
	checkFile    string
	checkRPC     string
	checkJournal string
	checkFormat  string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkPolicy, "policy", "", "Path to policy YAML (default ~/.signwatch/policy.yaml)")
	checkCmd.Flags().StringVar(&checkSigner, "signer", "", "Signer public key the transaction is validated for (required)")
	checkCmd.Flags().StringVar(&checkFile, "file", "", "Read the base64 transaction from a file instead of an argument")
	checkCmd.Flags().StringVar(&checkRPC, "rpc", "", "RPC endpoint for simulation, overriding the policy file")
	checkCmd.Flags().StringVar(&checkJournal, "journal", "", "Record the decision to a journal at this path")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
	checkCmd.MarkFlagRequired("signer")
}

var checkCmd = &cobra.Command{
	Use:   "check [base64-transaction]",
	Short: "Validate a transaction against the signing policy",
	Long: "Decodes a base64 wire transaction (from the argument, --file, or stdin),\n" +
		"evaluates it against the policy for the given signer, and prints the\n" +
		"decision.\n\n" +
		"Exit code 0 if the policy allows signing, 1 if it denies.\n" +
		"Use in CI to gate transaction templates on policy correctness.",
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	encoded, err := readTransaction(args)
	if err != nil {
		return err
	}

	signer, err := solana.PublicKeyFromBase58(checkSigner)
	if err != nil {
		return fmt.Errorf("invalid signer %q: %w", checkSigner, err)
	}

	opts := []signwatch.Option{
		signwatch.WithPolicy(checkPolicy),
		signwatch.WithSigner(signer),
	}
	if checkRPC != "" {
		opts = append(opts, signwatch.WithRPC(checkRPC))
	}
	if checkJournal != "" {
		opts = append(opts, signwatch.WithJournal(checkJournal))
	}

	client, err := signwatch.New(opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	verr := client.ValidateBase64(context.Background(), encoded)

	var blocked *signwatch.BlockedError
	switch {
	case verr == nil:
		printDecision("allow", "")
		return nil
	case errors.As(verr, &blocked):
		printDecision("deny", blocked.Reason)
		os.Exit(1)
		return nil
	default:
		return verr
	}
}

func readTransaction(args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	if checkFile != "" {
		data, err := os.ReadFile(checkFile)
		if err != nil {
			return "", fmt.Errorf("read transaction file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read transaction from stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func printDecision(decision, reason string) {
	if checkFormat == "json" {
		out, _ := json.MarshalIndent(map[string]string{
			"decision": decision,
			"reason":   reason,
		}, "", "  ")
		fmt.Println(string(out))
		return
	}
	if reason == "" {
		fmt.Printf("%s\n", strings.ToUpper(decision))
		return
	}
	fmt.Printf("%s: %s\n", strings.ToUpper(decision), reason)
}
