// commands.go contains the cobra command definitions for rlmctl. Each
// command builder wires its flags to a handler in run.go.
package main

import (
	"github.com/spf13/cobra"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath  string
		payloadPath string
		task        string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one completion over a JSON payload",
		Long: `Load configuration, wire the configured model backends and sandbox
variant, and drive one completion to a final answer.

The payload file must contain a single JSON value: an object, array,
string, or scalar. It is bound into the sandbox under the name given
by rlm.payload_binding (default "payload").`,
		Example: `  rlmctl run --config rlm.yaml --payload data.json --task "summarize the dataset"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompletion(cmd.Context(), runOptions{
				configPath:  configPath,
				payloadPath: payloadPath,
				task:        task,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "rlm.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&payloadPath, "payload", "p", "", "Path to a JSON payload file (required)")
	cmd.Flags().StringVarP(&task, "task", "t", "", "Task description for the model (required)")
	_ = cmd.MarkFlagRequired("payload")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}
