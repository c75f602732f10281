package main

import (
	"fmt"
	"path/filepath"

	"github.com/openmined/blobsync/internal/config"
	"github.com/openmined/blobsync/internal/utils"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the blobsync configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return cfg.Dump(cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the resolved config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath(cmd))
			return err
		},
	})
	return cmd
}

// resolveConfigPath is the file loadConfig reads, or the default path when
// none of the search paths has one.
func resolveConfigPath(cmd *cobra.Command) string {
	if path := configPath(cmd); path != "" {
		return path
	}

	candidates := []string{
		config.DefaultConfigPath,
		filepath.Join(home, ".config", "blobsync", config.ConfigFileName+".yaml"),
	}
	for _, candidate := range candidates {
		if utils.FileExists(candidate) {
			return candidate
		}
	}
	return config.DefaultConfigPath
}
