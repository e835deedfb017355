// Command rlmctl is the CLI entry point for the recursive language
// model engine: it loads a YAML configuration, wires the configured
// model backends and sandbox variant, and runs one completion over a
// JSON payload file.
//
// # Basic Usage
//
// Run a completion:
//
//	rlmctl run --config rlm.yaml --payload data.json --task "summarize the dataset"
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - RLM_LOG_DIR: enables JSON Lines transcript logging, overriding rlm.log_dir
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := buildRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rlmctl",
		Short:         "Drive a recursive language model completion over a payload",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(buildRunCmd())
	return cmd
}
