package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kcaldas/tokenopt/pkg/cache"
)

// NewCacheCommand creates the cache command
func NewCacheCommand(apps AppProvider) *cobra.Command {
	flags := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Analyze how a request would be laid out for prompt caching",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.build(cmd)
			if err != nil {
				return err
			}
			app, err := apps(cmd.Context())
			if err != nil {
				return err
			}
			layout := app.Layout.OptimizeRequest(req)
			printLayout(cmd.OutOrStdout(), app.Layout, layout)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func printLayout(out io.Writer, o *cache.Optimizer, layout *cache.OptimizedRequest) {
	cfg := o.Config()
	req := layout.Request

	heading(out, "Cache layout")
	if req.System != "" {
		fmt.Fprintf(out, "System prompt: yes (cached: %t)\n", req.SystemCacheable)
	}
	fmt.Fprintf(out, "Context items: %d\n", len(req.Items))
	fmt.Fprintf(out, "Static tokens:  ~%d\n", layout.StaticTokens)
	fmt.Fprintf(out, "Dynamic tokens: ~%d\n", layout.DynamicTokens)
	fmt.Fprintf(out, "Total tokens:   ~%d\n", layout.StaticTokens+layout.DynamicTokens)

	fmt.Fprintln(out)
	if layout.CacheEligible {
		fmt.Fprintln(out, "Status: CACHE ELIGIBLE")
		fmt.Fprintf(out, "Estimated tokens saved on repeat: ~%d\n", layout.EstimatedSavings)
	} else {
		fmt.Fprintln(out, "Status: BELOW MINIMUM")
		fmt.Fprintf(out, "Need %d more static tokens to reach the %d-token minimum\n",
			cfg.MinCacheTokens-layout.StaticTokens, cfg.MinCacheTokens)
	}

	if len(req.Items) > 0 {
		fmt.Fprintln(out)
		t := newTable("#", "Input", "Class", "Name", "Breakpoint")
		for i, item := range req.Items {
			marker := ""
			if item.CacheControl != nil {
				marker = "yes"
			}
			t.Row(fmt.Sprint(i), fmt.Sprint(layout.Order[i]), layout.Classes[i].String(), item.Name, marker)
		}
		fmt.Fprintln(out, t.Render())
	}

	if len(layout.Breakpoints) > 0 {
		fmt.Fprintln(out)
		heading(out, "Breakpoints")
		for _, bp := range layout.Breakpoints {
			fmt.Fprintf(out, "  %s\n", bp)
		}
	}

	if req.System != "" {
		a := o.Analyze(req.System)
		fmt.Fprintln(out)
		heading(out, "System prompt")
		fmt.Fprintf(out, "Estimated tokens: %d (meets minimum: %t)\n", a.EstimatedTokens, a.MeetsMinimum)
		if len(a.Breakpoints) > 0 {
			fmt.Fprintf(out, "Section boundaries at bytes: %v\n", a.Breakpoints)
		}
		if a.MeetsMinimum {
			fmt.Fprintf(out, "Potential savings on repeat: %.0f%%\n", a.PotentialSavings*100)
		}
		layout.Suggestions = append(layout.Suggestions, a.Suggestions...)
	}

	if len(layout.Suggestions) > 0 {
		fmt.Fprintln(out)
		heading(out, "Suggestions")
		for _, s := range layout.Suggestions {
			fmt.Fprintf(out, "  - %s\n", s)
		}
	}
}
