package main

import (
	"os"

	"github.com/psantana5/stormwater/cmd/swctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
