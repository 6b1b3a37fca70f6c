package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clickatell/clickybot/internal/chat"
	"github.com/clickatell/clickybot/internal/corpus"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive review loop: answer, review, correct",
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}

	err = reviewLoop(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout())

	// Whatever happened in the loop, keep the index on disk current.
	if perr := a.mgr.PersistIndex(ctx); perr != nil {
		a.logger.Error("persisting index on exit", "error", perr)
		if err == nil {
			err = perr
		}
	}
	return err
}

// reviewLoop runs the reviewer boundary on in/out: show the generated
// answer, take the reviewer's accepted or corrected text, and feed the
// outcome back through the corpus manager.
func reviewLoop(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	sess := a.newSession()
	reader := bufio.NewScanner(in)
	reader.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprintln(out, "Clickybot review console. Type a question, 'exit' to quit.")

	for {
		fmt.Fprint(out, "\nquestion> ")
		question, ok := readLine(reader)
		if !ok || question == "exit" || question == "quit" {
			fmt.Fprintln(out, "Goodbye.")
			return reader.Err()
		}
		if question == "" {
			continue
		}

		result, err := sess.Ask(ctx, question, a.cfg.TopK)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}

		answer, err := a.gen.Generate(ctx, chat.Request{
			Question:   result.Question,
			Chunks:     result.Chunks,
			Transcript: sess.Transcript(),
		})
		if err != nil {
			// No answer reached the reviewer, so there is nothing to
			// resolve or record.
			if errors.Is(err, chat.ErrGeneration) {
				fmt.Fprintf(out, "error: %v\n", err)
				sess.Cancel()
				continue
			}
			return err
		}

		fmt.Fprintf(out, "\nclickybot> %s\n", answer)
		fmt.Fprint(out, "review (enter to accept, or type the corrected answer)> ")

		correction, ok := readLine(reader)
		if !ok {
			// Reviewer left without a verdict; the answer was never sent.
			fmt.Fprintln(out, "\nGoodbye.")
			return reader.Err()
		}

		final := answer
		rec := corpus.Record{Question: question, Answer: answer}
		if correction != "" && correction != answer {
			rec.Correction = correction
			final = correction
		}

		if err := a.mgr.IngestFeedback(ctx, rec); err != nil {
			fmt.Fprintf(out, "error recording feedback: %v\n", err)
		}
		sess.Resolve(question, final)

		fmt.Fprintf(out, "final> %s\n", final)
	}
}

func readLine(sc *bufio.Scanner) (string, bool) {
	if !sc.Scan() {
		return "", false
	}
	return strings.TrimSpace(sc.Text()), true
}
