package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Mindburn-Labs/attestgrid/pkg/verifier"
)

// runVerifyCmd implements `attestgrid verify`: offline receipt verification
// needing only the receipt and the node's public key.
//
// Exit codes:
//
//	0 = receipt valid
//	1 = receipt invalid
//	2 = usage or I/O error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		receiptPath string
		pubKey      string
		nodeID      string
		jsonOutput  bool
	)
	cmd.StringVar(&receiptPath, "receipt", "", "Path to the receipt JSON file (REQUIRED)")
	cmd.StringVar(&pubKey, "pubkey", "", "Public key hex, or a file containing it (REQUIRED)")
	cmd.StringVar(&nodeID, "node-id", "", "Require the receipt to name this node")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if receiptPath == "" || pubKey == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --receipt and --pubkey are required")
		cmd.Usage()
		return 2
	}

	data, err := os.ReadFile(receiptPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error loading receipt: %v\n", err)
		return 2
	}

	res := verifier.VerifyJSON(data, nodeID, resolvePubKey(pubKey))

	if jsonOutput {
		out, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else if res.Valid {
		_, _ = fmt.Fprintln(stdout, "VERIFICATION SUCCESSFUL")
		_, _ = fmt.Fprintf(stdout, "receipt_hash: %s\n", res.ReceiptHash)
	} else {
		_, _ = fmt.Fprintln(stdout, "VERIFICATION FAILED")
		_, _ = fmt.Fprintf(stdout, "reason: %s\n", res.Reason)
	}

	if !res.Valid {
		return 1
	}
	return 0
}

// resolvePubKey reads arg as a file when one exists, else treats it as hex.
func resolvePubKey(arg string) string {
	if b, err := os.ReadFile(arg); err == nil {
		return strings.TrimSpace(string(b))
	}
	return strings.TrimSpace(arg)
}
