package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "packidx",
		Short: "Build pack indexes for Git packfiles",
		Long: `packidx builds version 2 pack index (.idx) files from Git packfiles,
resolving delta chains in parallel to hash every object they contain.`,
	}

	rootCmd.AddCommand(
		newIndexCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
