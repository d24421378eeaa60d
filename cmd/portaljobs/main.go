package main

import (
	"errors"
	"fmt"
	"os"

	"portaljobs/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		if !errors.Is(err, cli.ErrJobFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
