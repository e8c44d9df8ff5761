package main

import (
	"os"

	"github.com/clawback/mirror/cmd/mirror/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
