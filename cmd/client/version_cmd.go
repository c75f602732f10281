package main

import (
	"fmt"

	"github.com/openmined/blobsync/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print blobsync version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", version.ShortWithApp(), version.Detailed())
			return err
		},
	}
}
