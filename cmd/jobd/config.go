package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/jobd/internal/config"
	"github.com/flemzord/jobd/internal/security"
	"github.com/flemzord/jobd/pkg/app"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the daemon configuration",
	}
	cmd.AddCommand(configCheckCmd())
	return cmd
}

func configCheckCmd() *cobra.Command {
	var printCfg bool
	cmd := &cobra.Command{
		Use:   "check [path]",
		Short: "Validate a configuration file without starting the daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				p, err := app.ResolveConfigPath()
				if err != nil && !errors.Is(err, app.ErrConfigNotFound) {
					return err
				}
				path = p
			}

			cfg, found, err := loadForCheck(path, len(args) == 1)
			if err != nil {
				return err
			}
			cfg.Finalize(app.DefaultDataDir())
			if err := config.Validate(cfg); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if printCfg {
				redacted, err := cfg.Redacted(security.NewRedactor())
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(redacted)
				if err != nil {
					return fmt.Errorf("encoding config: %w", err)
				}
				if _, err := w.Write(out); err != nil {
					return err
				}
			}
			source := path
			if !found {
				source = "built-in defaults"
			}
			fmt.Fprintf(w, "Configuration OK (%s, %d declared jobs)\n", source, len(cfg.Jobs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&printCfg, "print", false, "Print the effective configuration with secrets redacted")
	return cmd
}

// loadForCheck loads path. An explicit path must exist; otherwise a
// missing file falls back to defaults.
func loadForCheck(path string, explicit bool) (*config.Config, bool, error) {
	if explicit {
		cfg, err := config.Load(path)
		return cfg, err == nil, err
	}
	return config.LoadOrDefault(path)
}
