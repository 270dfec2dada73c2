package main

import (
	"fmt"
	"os"

	"go.olrik.dev/frontman/cmd"
)

func main() {
	// If no command specified, default to run
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "run")
	}

	root := cmd.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
