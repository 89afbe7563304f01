package main

import (
	"os"

	"github.com/crazytieguy/coven/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
