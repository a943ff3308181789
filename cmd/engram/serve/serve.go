// Package servecmder provides the serve command running the HTTP API
// server over one vault.
package servecmder

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/api"
	"github.com/tstockham96/engram/pkg/config"
	"github.com/tstockham96/engram/pkg/consolidate"
	"github.com/tstockham96/engram/pkg/embeddings"
	embedollama "github.com/tstockham96/engram/pkg/embeddings/ollama"
	"github.com/tstockham96/engram/pkg/eventstream"
	eventkafka "github.com/tstockham96/engram/pkg/eventstream/kafka"
	"github.com/tstockham96/engram/pkg/lifecycle"
	"github.com/tstockham96/engram/pkg/llm"
	llmanthropic "github.com/tstockham96/engram/pkg/llm/anthropic"
	llmollama "github.com/tstockham96/engram/pkg/llm/ollama"
	"github.com/tstockham96/engram/pkg/logger"
	"github.com/tstockham96/engram/pkg/recall"
	storesqlite "github.com/tstockham96/engram/pkg/storage/sqlite"
	"github.com/tstockham96/engram/pkg/vault"
	vecsqlite "github.com/tstockham96/engram/pkg/vector/sqlitevec"
)

type ServeCommander struct {
	vaultDir string
	listen   string
	debug    bool
	logger   *zap.Logger
}

const serveLongDesc string = `Run the Engram HTTP API server.

The server opens the vault in the vault directory (default ~/.engram),
starts the embedding queue, and serves the /v1 memory API.

Configuration is read from config.toml in the vault directory; every key
can be overridden with an ENGRAM_* environment variable. The optional
bearer token comes from ENGRAM_API_BEARER_TOKEN.`

const serveShortDesc string = "Run the Engram API server"

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}
			cmder.vaultDir, err = cmd.Flags().GetString("vault-dir")
			if err != nil {
				return fmt.Errorf("could not get vault-dir flag: %v", err)
			}
			return cmder.run()
		},
	}

	cmd.Flags().StringVarP(&cmder.listen, "listen", "l", "", "Address for the API server to listen on")

	return cmd
}

func (c *ServeCommander) run() error {
	c.logger = logger.NewServerLogger(c.debug)
	defer c.logger.Sync()

	if c.vaultDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home dir: %w", err)
		}
		c.vaultDir = filepath.Join(home, ".engram")
	}

	v, err := config.InitViper(c.vaultDir)
	if err != nil {
		return err
	}

	dbPath := v.GetString("storage.db_path")
	if dbPath == "" {
		dbPath = filepath.Join(c.vaultDir, "vault.db")
	}

	store, err := storesqlite.Open(storesqlite.Config{DBPath: dbPath}, c.logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	dims := v.GetInt("embedding.dimensions")
	index, err := vecsqlite.New(vecsqlite.Config{DB: store.DB(), Dimensions: dims}, c.logger)
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	store.AttachIndex(index)

	embedder, err := c.buildEmbedder(v, dims)
	if err != nil {
		return err
	}

	completer, err := c.buildLLM(v)
	if err != nil {
		return err
	}

	publisher, err := c.buildPublisher(v)
	if err != nil {
		return err
	}

	vlt, err := vault.Open(vault.Options{
		Owner:     v.GetString("owner"),
		Store:     store,
		Embedder:  embedder,
		LLM:       completer,
		Publisher: publisher,
		Recall: recall.Config{
			SeedExpansionFactor: v.GetInt("recall.seed_expansion_factor"),
			RecencyHalfLifeDays: v.GetFloat64("recall.recency_half_life_days"),
		},
		Consolidate: consolidate.Config{
			MergeThreshold: v.GetFloat64("consolidation.merge_threshold"),
			Budget:         time.Duration(v.GetInt("consolidation.budget_ms")) * time.Millisecond,
		},
		Lifecycle: lifecycle.Config{
			ArchiveThreshold: v.GetFloat64("lifecycle.archive_threshold"),
		},
		Logger: c.logger,
	})
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer vlt.Close()

	listen := c.listen
	if listen == "" {
		listen = v.GetString("api.listen")
	}

	server := api.NewServer(api.Config{
		ListenAddr:  listen,
		BearerToken: os.Getenv("ENGRAM_API_BEARER_TOKEN"),
	}, vlt, c.logger)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil {
			errChan <- fmt.Errorf("api server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("shutting down", zap.String("signal", sig.String()))
		return server.Shutdown()
	}
}

func (c *ServeCommander) buildEmbedder(v *viper.Viper, dims int) (embeddings.Embedder, error) {
	switch provider := v.GetString("embedding.provider"); provider {
	case "", "none":
		return nil, nil
	case "ollama":
		return embedollama.New(embedollama.Config{
			BaseURL:    v.GetString("embedding.target"),
			Model:      v.GetString("embedding.model"),
			Dimensions: dims,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", provider)
	}
}

func (c *ServeCommander) buildLLM(v *viper.Viper) (llm.Provider, error) {
	switch provider := v.GetString("llm.provider"); provider {
	case "", "none":
		return nil, nil
	case "ollama":
		return llmollama.New(llmollama.Config{
			BaseURL: v.GetString("llm.target"),
			Model:   v.GetString("llm.model"),
		})
	case "anthropic":
		return llmanthropic.New(llmanthropic.Config{
			Model: v.GetString("llm.model"),
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

func (c *ServeCommander) buildPublisher(v *viper.Viper) (eventstream.Publisher, error) {
	if !v.GetBool("events.enabled") {
		return nil, nil
	}
	return eventkafka.NewPublisher(eventkafka.Config{
		Brokers: v.GetStringSlice("events.brokers"),
		Topic:   v.GetString("events.topic"),
	}, c.logger)
}
