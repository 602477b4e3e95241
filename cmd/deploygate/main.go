package main

import (
	"os"

	"github.com/tkingovr/deploygate/cmd/deploygate/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
