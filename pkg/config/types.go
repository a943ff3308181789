package config

import (
	"fmt"
	"strconv"
)

// Config represents the persistent vault configuration stored as
// config.toml in the vault directory. The TOML layout uses sections for
// logical grouping.
type Config struct {
	Version int    `toml:"version"`
	Owner   string `toml:"owner,omitempty"`

	Storage       StorageConfig       `toml:"storage"`
	API           APIConfig           `toml:"api"`
	Embedding     EmbeddingConfig     `toml:"embedding"`
	LLM           LLMConfig           `toml:"llm"`
	Recall        RecallConfig        `toml:"recall"`
	Consolidation ConsolidationConfig `toml:"consolidation"`
	Lifecycle     LifecycleConfig     `toml:"lifecycle"`
	Events        EventsConfig        `toml:"events"`

	// AggregationPhrases route matching recall queries to status or type
	// materialization instead of similarity search. Exactly one of
	// Status or Type is set per entry.
	AggregationPhrases []AggregationPhrase `toml:"aggregation_phrase,omitempty"`
}

// StorageConfig holds the embedded store settings.
type StorageConfig struct {
	DBPath string `toml:"db_path,omitempty"`
}

// APIConfig holds HTTP server settings. The bearer token is read from the
// environment, never from the file.
type APIConfig struct {
	Listen      string `toml:"listen,omitempty"`
	BearerToken string `toml:"-"`
}

// EmbeddingConfig holds embedding provider settings. Dimensions are fixed
// at first open; changing them means a full re-embed into a new vault.
type EmbeddingConfig struct {
	Provider   string `toml:"provider,omitempty"`
	Target     string `toml:"target,omitempty"`
	Model      string `toml:"model,omitempty"`
	Dimensions uint   `toml:"dimensions,omitempty"`
}

// LLMConfig holds the optional completion provider settings.
type LLMConfig struct {
	Provider string `toml:"provider,omitempty"`
	Target   string `toml:"target,omitempty"`
	Model    string `toml:"model,omitempty"`
}

// RecallConfig holds the recall pipeline tuning knobs.
type RecallConfig struct {
	Weights             WeightsConfig `toml:"weights"`
	SeedExpansionFactor int           `toml:"seed_expansion_factor,omitempty"`
	Spread              SpreadConfig  `toml:"spread"`
	RecencyHalfLifeDays float64       `toml:"recency_half_life_days,omitempty"`
}

// WeightsConfig overrides the multi-signal scoring coefficients. Zero
// values fall back to the pipeline defaults.
type WeightsConfig struct {
	Vector   float64 `toml:"vector,omitempty"`
	Entity   float64 `toml:"entity,omitempty"`
	Topic    float64 `toml:"topic,omitempty"`
	Type     float64 `toml:"type,omitempty"`
	Spread   float64 `toml:"spread,omitempty"`
	Recency  float64 `toml:"recency,omitempty"`
	Salience float64 `toml:"salience,omitempty"`
}

// SpreadConfig holds spreading-activation bounds.
type SpreadConfig struct {
	MaxHops int     `toml:"max_hops,omitempty"`
	Decay   float64 `toml:"decay,omitempty"`
}

// ConsolidationConfig holds consolidation cycle settings.
type ConsolidationConfig struct {
	MergeThreshold float64 `toml:"merge_threshold,omitempty"`
	BudgetMs       int     `toml:"budget_ms,omitempty"`
}

// LifecycleConfig holds decay and archival settings.
type LifecycleConfig struct {
	ArchiveThreshold float64 `toml:"archive_threshold,omitempty"`
}

// EventsConfig holds the optional event stream settings.
type EventsConfig struct {
	Enabled bool     `toml:"enabled,omitempty"`
	Brokers []string `toml:"brokers,omitempty"`
	Topic   string   `toml:"topic,omitempty"`
}

// AggregationPhrase routes a query phrase to a materialization.
type AggregationPhrase struct {
	Phrase string `toml:"phrase"`
	Status string `toml:"status,omitempty"`
	Type   string `toml:"type,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter
// on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"owner": {
		get: func(c *Config) string { return c.Owner },
		set: func(c *Config, v string) error { c.Owner = v; return nil },
	},
	"storage.db_path": {
		get: func(c *Config) string { return c.Storage.DBPath },
		set: func(c *Config, v string) error { c.Storage.DBPath = v; return nil },
	},
	"api.listen": {
		get: func(c *Config) string { return c.API.Listen },
		set: func(c *Config, v string) error { c.API.Listen = v; return nil },
	},
	"embedding.provider": {
		get: func(c *Config) string { return c.Embedding.Provider },
		set: func(c *Config, v string) error { c.Embedding.Provider = v; return nil },
	},
	"embedding.target": {
		get: func(c *Config) string { return c.Embedding.Target },
		set: func(c *Config, v string) error { c.Embedding.Target = v; return nil },
	},
	"embedding.model": {
		get: func(c *Config) string { return c.Embedding.Model },
		set: func(c *Config, v string) error { c.Embedding.Model = v; return nil },
	},
	"embedding.dimensions": {
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.Embedding.Dimensions), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || n == 0 {
				return fmt.Errorf("embedding.dimensions must be a positive integer")
			}
			c.Embedding.Dimensions = uint(n)
			return nil
		},
	},
	"llm.provider": {
		get: func(c *Config) string { return c.LLM.Provider },
		set: func(c *Config, v string) error { c.LLM.Provider = v; return nil },
	},
	"llm.target": {
		get: func(c *Config) string { return c.LLM.Target },
		set: func(c *Config, v string) error { c.LLM.Target = v; return nil },
	},
	"llm.model": {
		get: func(c *Config) string { return c.LLM.Model },
		set: func(c *Config, v string) error { c.LLM.Model = v; return nil },
	},
	"recall.seed_expansion_factor": {
		get: func(c *Config) string { return strconv.Itoa(c.Recall.SeedExpansionFactor) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("recall.seed_expansion_factor must be a positive integer")
			}
			c.Recall.SeedExpansionFactor = n
			return nil
		},
	},
	"recall.spread.max_hops": {
		get: func(c *Config) string { return strconv.Itoa(c.Recall.Spread.MaxHops) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("recall.spread.max_hops must be a positive integer")
			}
			c.Recall.Spread.MaxHops = n
			return nil
		},
	},
	"recall.spread.decay": {
		get: func(c *Config) string { return strconv.FormatFloat(c.Recall.Spread.Decay, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 || f >= 1 {
				return fmt.Errorf("recall.spread.decay must be in (0, 1)")
			}
			c.Recall.Spread.Decay = f
			return nil
		},
	},
	"recall.recency_half_life_days": {
		get: func(c *Config) string { return strconv.FormatFloat(c.Recall.RecencyHalfLifeDays, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 {
				return fmt.Errorf("recall.recency_half_life_days must be positive")
			}
			c.Recall.RecencyHalfLifeDays = f
			return nil
		},
	},
	"consolidation.merge_threshold": {
		get: func(c *Config) string { return strconv.FormatFloat(c.Consolidation.MergeThreshold, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 || f > 1 {
				return fmt.Errorf("consolidation.merge_threshold must be in (0, 1]")
			}
			c.Consolidation.MergeThreshold = f
			return nil
		},
	},
	"consolidation.budget_ms": {
		get: func(c *Config) string { return strconv.Itoa(c.Consolidation.BudgetMs) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("consolidation.budget_ms must be a positive integer")
			}
			c.Consolidation.BudgetMs = n
			return nil
		},
	},
	"lifecycle.archive_threshold": {
		get: func(c *Config) string { return strconv.FormatFloat(c.Lifecycle.ArchiveThreshold, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 || f > 1 {
				return fmt.Errorf("lifecycle.archive_threshold must be in [0, 1]")
			}
			c.Lifecycle.ArchiveThreshold = f
			return nil
		},
	},
	"events.topic": {
		get: func(c *Config) string { return c.Events.Topic },
		set: func(c *Config, v string) error { c.Events.Topic = v; return nil },
	},
}
