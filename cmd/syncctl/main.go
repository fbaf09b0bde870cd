package main

import (
	"fmt"
	"os"

	"realtime-sync/infrastructure/config"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	app := newCLIApp(config.LoadClientConfig(), os.Stdout)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
