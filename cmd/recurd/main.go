package main

import (
	"fmt"
	"os"

	// Embedded zoneinfo so rules with a timezone work on minimal hosts.
	_ "time/tzdata"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
