// Package main provides the entry point for the scoresync CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/scoresync/cmd/scoresync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
