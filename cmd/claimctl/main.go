package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "sign":
		return runSign(args[1:], stdout, stderr)
	case "sign-tier":
		return runSignTier(args[1:], stdout, stderr)
	case "verify":
		return runVerify(args[1:], stdout, stderr)
	case "quote":
		return runQuote(args[1:], stdout, stderr)
	case "admin-token":
		return runAdminToken(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return `Usage: claimctl <command> [flags]

Commands:
  keygen       generate an authority key (hex or encrypted keystore)
  sign         sign an entitlement voucher
  sign-tier    sign a tiered drop claim
  verify       recover the signer of a voucher
  quote        compute the payout for an entitlement or tier
  admin-token  issue an admin bearer token for claimd`
}
