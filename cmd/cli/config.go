package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kcaldas/tokenopt/pkg/config"
)

// NewConfigCommand creates the config command and its subcommands. path
// resolves the config file location; load reads it with environment
// overrides applied.
func NewConfigCommand(path func() (string, error), load ConfigProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the tokenopt configuration file",
	}
	cmd.AddCommand(newConfigInitCommand(path))
	cmd.AddCommand(newConfigShowCommand(load))
	cmd.AddCommand(newConfigPathCommand(path))
	cmd.AddCommand(newConfigValidateCommand(load))
	cmd.AddCommand(newConfigSetCommand(path))
	return cmd
}

func newConfigInitCommand(path func() (string, error)) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path()
			if err != nil {
				return err
			}
			if _, err := os.Stat(p); err == nil && !force {
				return fmt.Errorf("config file %s already exists, use --force to overwrite", p)
			}
			data, err := config.Example()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if err := os.WriteFile(p, data, 0o600); err != nil {
				return fmt.Errorf("write config %s: %w", p, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", p)
			fmt.Fprintln(out, "Set your API keys there or export them:")
			for _, v := range config.KeyVariables {
				fmt.Fprintf(out, "  export %s=...\n", v)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCommand(load ConfigProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "show [section]",
		Short: "Show the effective configuration with API keys masked",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, p, err := load()
			if err != nil {
				return err
			}
			var view any = cfg.Masked()
			if len(args) == 1 {
				if view, err = cfg.Masked().Section(args[0]); err != nil {
					return err
				}
			}
			data, err := yaml.Marshal(view)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}

			out := cmd.OutOrStdout()
			heading(out, "Config: "+p)
			fmt.Fprint(out, string(data))
			if len(args) == 0 {
				fmt.Fprintln(out)
				printEnvironment(out)
			}
			return nil
		},
	}
}

func printEnvironment(out io.Writer) {
	heading(out, "Environment")
	env := config.NewManager()
	for _, v := range config.KeyVariables {
		state := "not set"
		if _, err := env.GetString(v); err == nil {
			state = "set"
		}
		fmt.Fprintf(out, "  %-18s %s\n", v, state)
	}
	fmt.Fprintf(out, "  %-18s %s\n", "OLLAMA_URL", env.GetStringWithDefault("OLLAMA_URL", "not set"))
}

func newConfigPathCommand(path func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := os.Stat(p); err == nil {
				fmt.Fprintf(out, "%s (file exists)\n", p)
			} else {
				fmt.Fprintf(out, "%s (not created yet, run: tokenopt config init)\n", p)
			}
			return nil
		},
	}
}

func newConfigValidateCommand(load ConfigProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, p, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", p)
			return nil
		},
	}
}

// newConfigSetCommand edits the file as written, without environment
// overrides, so keys exported in the shell are never saved.
func newConfigSetCommand(path func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:     "set <section.field> <value>",
		Short:   "Set one configuration value",
		Example: "  tokenopt config set primary.model llama-3.3-70b\n  tokenopt config set optimization.strategies \"[deduplicate, abbreviate]\"",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path()
			if err != nil {
				return err
			}
			cfg, err := config.ReadFile(p)
			if err != nil {
				return err
			}
			key, value := args[0], args[1]
			if err := cfg.Set(key, value); err != nil {
				return err
			}
			if err := cfg.Save(p); err != nil {
				return err
			}
			if strings.HasSuffix(key, ".api_key") {
				value = "***"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s in %s\n", key, value, p)
			return nil
		},
	}
}
