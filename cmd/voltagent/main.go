// Package main is the entry point for the voltagent CLI.
package main

import (
	"os"

	"github.com/voltagent/voltagent/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
