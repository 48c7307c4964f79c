package main

import (
	"fmt"
	"os"

	"github.com/go-delve/lwpctl/cmd/lwpctl/cmds"
)

func main() {
	if err := cmds.New(false).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
