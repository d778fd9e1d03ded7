package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/attestgrid/pkg/crypto"
)

// runKeygenCmd implements `attestgrid keygen`.
//
// Exit codes:
//
//	0 = key pair written
//	1 = write failed
//	2 = usage error or existing key without --force
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir   string
		force bool
	)
	cmd.StringVar(&dir, "dir", ".keys", "Directory for the key files")
	cmd.BoolVar(&force, "force", false, "Overwrite an existing key pair")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	kf := crypto.KeyFiles{Dir: dir}
	if _, err := os.Stat(kf.PrivatePath()); err == nil && !force {
		_, _ = fmt.Fprintf(stderr, "Error: %s already exists (use --force to replace it)\n", kf.PrivatePath())
		return 2
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	privHex, pubHex, err := crypto.GenerateKeyPair()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := kf.Write(privHex, pubHex); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "private key: %s\n", kf.PrivatePath())
	_, _ = fmt.Fprintf(stdout, "public key:  %s\n", kf.PublicPath())
	_, _ = fmt.Fprintf(stdout, "public_key_hex: %s\n", pubHex)
	return 0
}
