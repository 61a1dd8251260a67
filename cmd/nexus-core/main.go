// Package main is the CLI entry point for the Nexus Core agent runtime.
//
// Nexus Core hosts long-lived, tool-using LLM agents for multiple tenant
// projects: versioned prompt stacks, budget enforcement, tool execution with
// approval gating, MCP tool servers, scheduled tasks, and webhook triggers.
//
// Start the server:
//
//	nexus-core serve --config nexus-core.yaml
//
// Environment variables:
//
//   - DATABASE_URL: Postgres connection string; unset runs in-memory
//   - SECRETS_ENCRYPTION_KEY: 32-byte hex master key for the secret service
//   - REDIS_URL: optional; enables the Redis-backed async webhook queue
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials (projects may
//     name different variables in their agent config)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "nexus-core",
		Short:         "Multi-tenant runtime for tool-using LLM agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(buildServeCmd())
	root.AddCommand(buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures to the CLI contract: 0 success, 1 generic failure,
// 2 validation error.
func exitCode(err error) int {
	if errdefs.IsCode(err, errdefs.CodeValidation) {
		return 2
	}
	return 1
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nexus-core %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
