package main

import (
	"os"

	"github.com/corvidlabs/beacon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
