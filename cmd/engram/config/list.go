package configcmder

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tstockham96/engram/pkg/config"
)

const listLongDesc string = `List all configuration values.

Displays all configuration keys and their current values from the
config.toml file stored in the vault directory.

Examples:
  engram config list`

const listShortDesc string = "List all configuration values"

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: listShortDesc,
		Long:  listLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vaultDir, _ := cmd.Flags().GetString("vault-dir")
			return runList(vaultDir)
		},
	}

	return cmd
}

func runList(vaultDir string) error {
	cfger, err := config.NewConfiger(vaultDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Printf("Using config file: %s\n\n", cfger.GetTarget())

	cfg, err := cfger.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	for _, key := range config.ValidConfigKeys() {
		value, err := cfg.Get(key)
		if err != nil {
			continue
		}
		fmt.Printf("%s = %s\n", key, value)
	}

	return nil
}
