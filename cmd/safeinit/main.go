package main

import (
	"os"

	"github.com/psantana5/safeinit/cmd/safeinit/cmd"
	_ "github.com/psantana5/safeinit/examples/hello"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
