// Package configcmder provides the config command for managing persistent
// vault configuration stored in the vault directory.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent vault configuration.

Configuration is stored as config.toml in the vault directory and provides
default values for command flags. Environment variables (ENGRAM_*) and CLI
flags always take precedence over config file values.

Keys use dotted notation matching the TOML section structure:
  owner, storage.db_path, api.listen,
  embedding.provider, embedding.target, embedding.model, embedding.dimensions,
  llm.provider, llm.target, llm.model,
  recall.seed_expansion_factor, recall.spread.max_hops, recall.spread.decay,
  recall.recency_half_life_days,
  consolidation.merge_threshold, consolidation.budget_ms,
  lifecycle.archive_threshold, events.topic

Use subcommands to get, set, or list configuration values:
  engram config set <key> <value>    Set a configuration value
  engram config get <key>            Get a configuration value
  engram config list                 List all configuration values

Examples:
  engram config set llm.provider anthropic
  engram config set embedding.dimensions 768
  engram config get recall.spread.decay
  engram config list`

const configShortDesc string = "Manage persistent vault configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
