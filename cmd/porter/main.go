// Command porter is Porter's CLI entrypoint: a server for a project's
// resolved asset graph, a one-shot static build of that graph, a forest
// printout of it, and version information.
package main

import (
	"fmt"
	"os"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
