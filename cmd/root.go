// Package cmd wires the CLI: a one-shot ask command and the interactive
// reviewer loop that feeds corrections back into the index.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "clickybot",
	Short: "Clickybot - Clickatell support assistant with reviewer feedback",
	Long: `Clickybot answers Clickatell support questions from an indexed corpus.

Every answer passes a human reviewer before it reaches the customer;
corrections flow back into the index so the next answer is better.

Running clickybot without arguments starts the interactive review loop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
