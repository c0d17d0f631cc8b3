package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cloudpaste/cloudpaste/internal/config"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  `Load the configuration file, apply environment overrides and print the resulting effective configuration as YAML.`,
		RunE:  runConfig,
	}

	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	manager, err := config.NewManager(configFile)
	if err != nil {
		return err
	}

	cfg := manager.GetConfig()
	// Never print the credential encryption secret.
	cfg.Encryption.Secret = "<redacted>"

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	cmd.Print(string(out))
	return nil
}
