package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kcaldas/tokenopt/pkg/orchestrator"
	"github.com/kcaldas/tokenopt/pkg/pipeline"
)

// NewSendCommand creates the send command
func NewSendCommand(apps AppProvider) *cobra.Command {
	flags := &requestFlags{}
	var noOptimize, forceFallback, stream bool
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Optimize a request and send it through the provider chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.build(cmd)
			if err != nil {
				return err
			}
			app, err := apps(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.Config.Validate(); err != nil {
				return err
			}

			session := app.Orchestrator.NewSession()
			if forceFallback {
				if err := app.Orchestrator.ForceFallback(cmd.Context(), session); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			replies := newReplyWriter(out)
			opts := pipeline.Options{SkipOptimize: noOptimize}
			streamed := stream && !replies.Rendering()
			if streamed {
				opts.OnChunk = func(chunk string) { fmt.Fprint(out, chunk) }
			}

			outcome, err := app.Pipeline.Send(cmd.Context(), session, req, opts)
			if err != nil {
				return err
			}
			if streamed {
				fmt.Fprintln(out)
			} else {
				replies.Print(outcome.Result.Response.Content)
			}
			fmt.Fprintln(out)
			printTurn(out, outcome)
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&noOptimize, "no-optimize", false, "send the request without running the optimization strategies")
	cmd.Flags().BoolVar(&forceFallback, "fallback", false, "skip the primary provider")
	cmd.Flags().BoolVar(&stream, "stream", false, "print the reply as it arrives")
	return cmd
}

// printTurn summarises token usage and any provider handoff for one turn.
func printTurn(out io.Writer, outcome *pipeline.Outcome) {
	resp := outcome.Result.Response
	u := resp.Usage

	heading(out, "Token usage")
	fmt.Fprintf(out, "Provider:          %s (%s)\n", resp.Provider, resp.Model)
	fmt.Fprintf(out, "Prompt tokens:     %d\n", u.PromptTokens)
	fmt.Fprintf(out, "Completion tokens: %d\n", u.CompletionTokens)
	if u.CacheCreationTokens > 0 || u.CacheReadTokens > 0 {
		fmt.Fprintf(out, "Cache write/read:  %d / %d\n", u.CacheCreationTokens, u.CacheReadTokens)
	}
	if u.CostUSD > 0 {
		fmt.Fprintf(out, "Cost:              $%.4f\n", u.CostUSD)
	}
	if opt := outcome.Prepared.Optimization; opt != nil {
		fmt.Fprintf(out, "Saved by optimizing: ~%d tokens (%.1f%%)\n", opt.Stats.TokensSaved(), opt.Stats.SavingsPercent())
	}
	if layout := outcome.Prepared.Layout; layout.CacheEligible {
		fmt.Fprintf(out, "Cacheable prefix:  ~%d tokens (%s)\n", layout.StaticTokens, outcome.Prepared.Prefix.Status)
	}
	if resp.Truncated {
		fmt.Fprintln(out, warnStyle.Render("Reply was cut off at the max_tokens limit"))
	}
	printPath(out, outcome.Result.Path)
}

func printPath(out io.Writer, path []orchestrator.Transition) {
	for _, t := range path {
		fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("Switched %s -> %s (%s)", t.From, t.To, t.Reason)))
	}
}
