package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clickatell/clickybot/internal/chat"
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}

	question := strings.Join(args, " ")
	sess := a.newSession()

	result, err := sess.Ask(ctx, question, a.cfg.TopK)
	if err != nil {
		return fmt.Errorf("retrieving context: %w", err)
	}

	answer, err := a.gen.Generate(ctx, chat.Request{
		Question: result.Question,
		Chunks:   result.Chunks,
	})
	if err != nil {
		return err
	}
	sess.Resolve(question, answer)

	fmt.Fprintln(cmd.OutOrStdout(), answer)
	return nil
}
