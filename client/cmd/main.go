package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tbx.at/ccoffload/client"
)

func main() {
	cli := client.NewCLI()
	ctx := context.Background()

	// Installed as a symlink named after a compiler, every argument is the
	// compiler's.
	if name := filepath.Base(os.Args[0]); name != "ccoffload" && name != "cmd" {
		os.Exit(cli.Compile(ctx, os.Args))
	}

	if err := cli.BuildCLI().ExecuteContext(ctx); err != nil {
		var exitErr *client.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "ccoffload: %s\n", err)
		os.Exit(1)
	}
}
