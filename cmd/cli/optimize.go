package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kcaldas/tokenopt/pkg/optimize"
	"github.com/kcaldas/tokenopt/pkg/request"
)

type optimizeOptions struct {
	requestFlags
	target     int
	strategies []string
	noAgent    bool
	diff       bool
	output     string
}

// NewOptimizeCommand creates the optimize command
func NewOptimizeCommand(apps AppProvider) *cobra.Command {
	opts := &optimizeOptions{}
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Shrink a request and report what each strategy saved",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimize(cmd, apps, opts)
		},
	}
	opts.bind(cmd)
	cmd.Flags().IntVar(&opts.target, "target", -1, "target token budget (0 for none, default from config)")
	cmd.Flags().StringSliceVar(&opts.strategies, "strategies", nil, "strategies to run in order (default from config)")
	cmd.Flags().BoolVar(&opts.noAgent, "no-agent", false, "do not call the local preprocessing agent")
	cmd.Flags().BoolVar(&opts.diff, "diff", false, "print a unified diff of the rendered request")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the optimized request as YAML to this file")
	return cmd
}

func runOptimize(cmd *cobra.Command, apps AppProvider, opts *optimizeOptions) error {
	req, err := opts.build(cmd)
	if err != nil {
		return err
	}
	app, err := apps(cmd.Context())
	if err != nil {
		return err
	}

	cfg := app.Pipeline.OptimizeConfig()
	if opts.target >= 0 {
		cfg.TargetTokens = opts.target
	}
	if len(opts.strategies) > 0 {
		if cfg.Strategies, err = optimize.ParseStrategies(opts.strategies); err != nil {
			return err
		}
	}
	if opts.noAgent {
		cfg.UseLocalAgent = false
	}

	res, err := app.Engine.Optimize(cmd.Context(), req, cfg)
	if err != nil {
		return err
	}
	app.Metrics.RecordOptimization(res.Stats.OriginalTokens, res.Stats.OptimizedTokens)

	out := cmd.OutOrStdout()
	data, err := yaml.Marshal(res.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if opts.output != "" {
		if err := os.WriteFile(opts.output, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", opts.output, err)
		}
		fmt.Fprintf(out, "Optimized request written to: %s\n", opts.output)
	} else {
		fmt.Fprint(out, string(data))
	}

	if opts.diff {
		fmt.Fprintln(out)
		if err := writeDiff(out, req, res.Request); err != nil {
			return err
		}
	}

	fmt.Fprintln(out)
	printStats(out, res)
	return nil
}

func printStats(out io.Writer, res *optimize.Result) {
	heading(out, "Optimization")
	t := newTable("Strategy", "Before", "After", "Saved", "Dropped", "Time")
	for _, s := range res.Stats.Strategies {
		t.Row(string(s.Name),
			fmt.Sprint(s.TokensBefore),
			fmt.Sprint(s.TokensAfter),
			fmt.Sprint(s.Saved()),
			fmt.Sprint(s.ItemsDropped),
			s.Duration.Round(time.Microsecond).String())
	}
	fmt.Fprintln(out, t.Render())
	fmt.Fprintf(out, "Original tokens:  %d\n", res.Stats.OriginalTokens)
	fmt.Fprintf(out, "Optimized tokens: %d\n", res.Stats.OptimizedTokens)
	fmt.Fprintf(out, "Tokens saved:     %d (%.1f%%)\n", res.Stats.TokensSaved(), res.Stats.SavingsPercent())

	if diags := res.Diagnostics(); len(diags) > 0 {
		fmt.Fprintln(out)
		heading(out, "Diagnostics")
		for _, d := range diags {
			fmt.Fprintln(out, "  "+warnStyle.Render(d.String()))
		}
	}
}

// renderRequest flattens a request the way a reader would see it.
func renderRequest(req request.Request) string {
	var parts []string
	if req.System != "" {
		parts = append(parts, req.System)
	}
	if ctx := req.RenderContext(); ctx != "" {
		parts = append(parts, ctx)
	}
	parts = append(parts, req.Task)
	return strings.Join(parts, "\n\n") + "\n"
}

func writeDiff(out io.Writer, before, after request.Request) error {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(renderRequest(before)),
		B:        difflib.SplitLines(renderRequest(after)),
		FromFile: "original",
		ToFile:   "optimized",
		Context:  2,
	})
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	if diff == "" {
		fmt.Fprintln(out, "(no changes)")
		return nil
	}
	fmt.Fprint(out, diff)
	return nil
}
