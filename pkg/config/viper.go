package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file in
// the vault directory (if present), and binds environment variables with
// the ENGRAM_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound by the command layer)
//  2. Environment variables (ENGRAM_API_LISTEN, ENGRAM_STORAGE_DB_PATH, ...)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(vaultDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery in the vault directory.
	v.SetConfigName("config")
	v.SetConfigType("toml")
	if vaultDir != "" {
		v.AddConfigPath(vaultDir)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: ENGRAM_API_LISTEN, ENGRAM_OWNER, etc.
	v.SetEnvPrefix("ENGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source
// of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)
	v.SetDefault("owner", d.Owner)

	// Storage
	v.SetDefault("storage.db_path", d.Storage.DBPath)

	// API
	v.SetDefault("api.listen", d.API.Listen)

	// Embedding
	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.target", d.Embedding.Target)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)

	// LLM
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.target", d.LLM.Target)
	v.SetDefault("llm.model", d.LLM.Model)

	// Recall
	v.SetDefault("recall.seed_expansion_factor", d.Recall.SeedExpansionFactor)
	v.SetDefault("recall.spread.max_hops", d.Recall.Spread.MaxHops)
	v.SetDefault("recall.spread.decay", d.Recall.Spread.Decay)
	v.SetDefault("recall.recency_half_life_days", d.Recall.RecencyHalfLifeDays)

	// Consolidation
	v.SetDefault("consolidation.merge_threshold", d.Consolidation.MergeThreshold)
	v.SetDefault("consolidation.budget_ms", d.Consolidation.BudgetMs)

	// Lifecycle
	v.SetDefault("lifecycle.archive_threshold", d.Lifecycle.ArchiveThreshold)

	// Events
	v.SetDefault("events.enabled", d.Events.Enabled)
	v.SetDefault("events.brokers", d.Events.Brokers)
	v.SetDefault("events.topic", d.Events.Topic)
}
