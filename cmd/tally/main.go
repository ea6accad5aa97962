package main

import (
	"os"

	"github.com/jacentio/tally/internal/cli"
)

func main() {
	if err := cli.NewRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}
