package main

import (
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "porter",
	Short: "porter resolves, transpiles and serves a project's asset graph",
	Long: `porter is a server-integrated asset pipeline: it resolves a project's
source tree and its dependencies into a module graph, transpiles and
bundles what a browser needs, and serves the result over HTTP.

  porter serve     run the asset server
  porter build     write a static dest tree and exit
  porter graph     print the resolved module forest
  porter version   show version information`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging regardless of config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
}
