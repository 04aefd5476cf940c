package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/packsmith/packctl/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Example: `  packctl config show
  packctl config init --out ~/.config/packctl/packctl.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format, with defaults and any
command-line overrides applied.`,
		Example: `  packctl config show`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalCfg == nil {
				globalCfg = config.DefaultConfig()
			}
			data, err := yaml.Marshal(globalCfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			cmd.Print(string(data))
			return nil
		},
	}
}

var configInitOut string

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		Example: `  packctl config init --out packctl.yaml
  packctl config init --out ~/.config/packctl/packctl.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configInitOut == "" {
				return fmt.Errorf("--out is required")
			}
			if _, err := os.Stat(configInitOut); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", configInitOut)
			}

			data, err := yaml.Marshal(config.DefaultConfig())
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			if err := os.WriteFile(configInitOut, data, 0o644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			cmd.Printf("wrote %s\n", configInitOut)
			return nil
		},
	}
	cmd.Flags().StringVar(&configInitOut, "out", "", "destination path for the config file")
	return cmd
}
