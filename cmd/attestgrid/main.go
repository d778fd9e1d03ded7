package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "stats":
		return runStatsCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServeCmd(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "%sattestgrid%s: deterministic signed receipts\n\n", colorBold, colorReset)
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n  attestgrid <command> [flags]\n\n", colorBold, colorReset)
	_, _ = fmt.Fprintf(w, "%sCOMMANDS:%s\n", colorBold+colorCyan, colorReset)
	printCommand(w, "serve", "Run an attestation node (default)")
	printCommand(w, "keygen", "Write a fresh Ed25519 key pair (--dir)")
	printCommand(w, "verify", "Verify a receipt offline (--receipt, --pubkey)")
	printCommand(w, "stats", "Fetch node stats, optionally update a README (--url, --readme)")
	printCommand(w, "health", "Probe a running node (--url)")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-8s%s %s\n", colorGreen, name, colorReset, desc)
}
