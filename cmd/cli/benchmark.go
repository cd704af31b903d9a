package cli

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kcaldas/tokenopt/pkg/optimize"
)

type benchmarkCase struct {
	name       string
	strategies []optimize.StrategyType
}

// benchmarkCases runs every strategy on its own, then the combinations
// worth comparing, then the configured pipeline.
func benchmarkCases(configured []optimize.StrategyType) []benchmarkCase {
	cases := make([]benchmarkCase, 0, len(optimize.AllStrategies)+3)
	for _, s := range optimize.AllStrategies {
		cases = append(cases, benchmarkCase{name: string(s), strategies: []optimize.StrategyType{s}})
	}
	cases = append(cases,
		benchmarkCase{name: "whitespace+comments", strategies: []optimize.StrategyType{optimize.StripWhitespace, optimize.RemoveComments}},
		benchmarkCase{name: "rule-based", strategies: []optimize.StrategyType{
			optimize.Deduplicate, optimize.StripWhitespace, optimize.RemoveComments, optimize.TruncateContext,
		}},
	)
	names := make([]string, len(configured))
	for i, s := range configured {
		names[i] = string(s)
	}
	cases = append(cases, benchmarkCase{name: "configured (" + strings.Join(names, ",") + ")", strategies: configured})
	return cases
}

// NewBenchmarkCommand creates the benchmark command
func NewBenchmarkCommand(apps AppProvider) *cobra.Command {
	flags := &requestFlags{}
	var target int
	var useAgent bool
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Compare what each optimization strategy saves on a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.build(cmd)
			if err != nil {
				return err
			}
			app, err := apps(cmd.Context())
			if err != nil {
				return err
			}

			base := app.Pipeline.OptimizeConfig()
			base.TargetTokens = target
			base.UseLocalAgent = useAgent && base.UseLocalAgent

			t := newTable("Strategy", "Original", "Optimized", "Saved", "Time")
			for _, c := range benchmarkCases(base.Strategies) {
				cfg := base
				cfg.Strategies = c.strategies
				if cfg.TargetTokens <= 0 && slices.Contains(c.strategies, optimize.TruncateContext) {
					t.Row(c.name, "-", "-", "needs --target", "-")
					continue
				}
				start := time.Now()
				res, err := app.Engine.Optimize(cmd.Context(), req, cfg)
				if err != nil {
					return fmt.Errorf("%s: %w", c.name, err)
				}
				t.Row(c.name,
					fmt.Sprint(res.Stats.OriginalTokens),
					fmt.Sprint(res.Stats.OptimizedTokens),
					fmt.Sprintf("%.1f%%", res.Stats.SavingsPercent()),
					time.Since(start).Round(time.Microsecond).String())
			}

			out := cmd.OutOrStdout()
			heading(out, "Benchmark")
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().IntVar(&target, "target", 0, "target token budget for truncating strategies (0 for none)")
	cmd.Flags().BoolVar(&useAgent, "agent", false, "let strategies call the local preprocessing agent")
	return cmd
}
