// Package engramcmder
package engramcmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/tstockham96/engram/cmd/engram/config"
	servecmder "github.com/tstockham96/engram/cmd/engram/serve"
	versioncmder "github.com/tstockham96/engram/cmd/version"
)

const engramLongDesc string = `Engram is a local-first long-term memory engine for AI agents.

Run services using:
  engram serve         Run the HTTP API server over a vault

Manage configuration using:
  engram config        Get, set, and list vault configuration`

const engramShortDesc string = "Engram - Agent Memory Vault"

func NewEngramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engram",
		Short: engramShortDesc,
		Long:  engramLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("vault-dir", "", "Vault directory (default: ~/.engram)")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
