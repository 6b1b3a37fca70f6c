package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clickatell/clickybot/internal/config"
)

// Version information (injected at build time via ldflags)
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and configuration information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runVersion(cmd)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Clickybot %s\n", AppVersion)
	fmt.Fprintf(out, "Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
	fmt.Fprintln(out)

	cfg, err := config.Load()
	if err != nil {
		// Version output still works without a usable configuration.
		fmt.Fprintf(out, "Configuration unavailable: %v\n", err)
		return nil
	}

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Model: %s\n", cfg.ModelName)
	fmt.Fprintf(out, "  Embedder: %s\n", cfg.EmbedderModel)
	fmt.Fprintf(out, "  Corpus: %s\n", cfg.CorpusPath)
	fmt.Fprintf(out, "  Index: %s\n", cfg.IndexPath)
	fmt.Fprintf(out, "  Feedback log: %s\n", cfg.FeedbackLogPath)

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		fmt.Fprintln(out, "  OPENAI_API_KEY: configured")
	} else {
		fmt.Fprintln(out, "  OPENAI_API_KEY: not set")
		fmt.Fprintln(out, "\nHint: export OPENAI_API_KEY=your-api-key")
	}
	return nil
}
