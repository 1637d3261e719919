package main

import (
	"os"

	"github.com/majorcontext/relay/cmd/relay/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
