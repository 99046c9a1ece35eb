package main

import (
	"fmt"
	"os"

	"github.com/tinywideclouds/go-keysearch/internal/cli"
)

func main() {
	if err := cli.Execute(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "keysearch:", err)
		os.Exit(cli.ExitCode(err))
	}
}
