package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stopgate/internal/version"
)

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "stopgate version %s\n", version.Get())
		},
	}
}
