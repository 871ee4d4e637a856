package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s version %s\n", programName, version)
	fmt.Fprintf(w, "  commit: %s\n", commit)
	fmt.Fprintf(w, "  built:  %s\n", buildTime)
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}
