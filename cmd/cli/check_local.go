package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kcaldas/tokenopt/pkg/agent"
)

// NewCheckLocalCommand creates the check-local command
func NewCheckLocalCommand(apps AppProvider) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "check-local",
		Short: "Check whether the local preprocessing agent (Ollama) is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := apps(cmd.Context())
			if err != nil {
				return err
			}
			ollama := app.Agent
			if url != "" {
				ollama = agent.NewOllama(agent.WithBaseURL(url), agent.WithModel(app.Agent.Model()))
			}

			out := cmd.OutOrStdout()
			if !ollama.Available(cmd.Context()) {
				fmt.Fprintf(out, "Local agent (Ollama) is NOT available at %s\n", ollama.BaseURL())
				fmt.Fprintln(out, "\nTo install Ollama:")
				fmt.Fprintln(out, "  curl -fsSL https://ollama.com/install.sh | sh")
				fmt.Fprintln(out, "\nThen pull a model:")
				fmt.Fprintf(out, "  ollama pull %s\n", ollama.Model())
				return nil
			}

			fmt.Fprintf(out, "Local agent (Ollama) is available at %s\n", ollama.BaseURL())
			models, err := ollama.Models(cmd.Context())
			if err != nil {
				return err
			}
			found := false
			fmt.Fprintln(out, "\nAvailable models:")
			for _, m := range models {
				fmt.Fprintf(out, "  - %s\n", m)
				if m == ollama.Model() || m == ollama.Model()+":latest" {
					found = true
				}
			}
			if !found {
				fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("\nConfigured model %q is not pulled: ollama pull %s", ollama.Model(), ollama.Model())))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Ollama URL (default from config)")
	return cmd
}
