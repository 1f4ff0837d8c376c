package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("porter %s\n", Version)
		fmt.Printf("commit: %s\n", Commit)
		fmt.Printf("build date: %s\n", BuildDate)
		return nil
	},
}
