// Package main is the entry point for the storeops CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "storeops:", err)
		os.Exit(1)
	}
}
