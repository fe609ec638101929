// Package main is the entry point for the approov-gateway binary.
// It runs attested requests from the command line or serves the gateway
// as a local forward proxy.
package main

import (
	"errors"
	"fmt"
	"os"

	gateway "github.com/kacy/approov-gateway"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps gateway error kinds to distinct process exit codes so
// scripts can tell a retryable failure from a rejection.
func exitCode(err error) int {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		return 1
	}
	switch gerr.Kind {
	case gateway.KindStructural:
		return 2
	case gateway.KindAttestationRetryable:
		return 3
	case gateway.KindAttestationPermanent:
		return 4
	case gateway.KindPinning:
		return 5
	default:
		return 1
	}
}
