package main

import (
	"os"

	"github.com/austindbirch/edp/cmd/edpctl/cmd"
	"github.com/austindbirch/edp/internal/logging"
)

func main() {
	// Keep stdout for command output.
	logging.SetOutput(os.Stderr)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
