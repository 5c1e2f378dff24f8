// Package main provides the CLI for the sparkify song-play data lake.
package main

import (
	"os"

	"github.com/leapstack-labs/sparkify-lake/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
