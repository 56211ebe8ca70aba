// Package cli holds the recurd command tree.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"recurd/internal/config"
	appLog "recurd/internal/log"
	"recurd/internal/recur"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	User       string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the recurd CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "recurd",
		Short: "recurd - recurring schedule service",
		Long:  "Stores recurring series, keeps their upcoming occurrences materialized and applies scoped edits.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "/etc/recurd/config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.User, "user", "", "user the command acts for")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewExpandCommand(opts))
	cmd.AddCommand(NewMutateCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))

	return cmd
}

func (o *RootOptions) actor() recur.Actor {
	return recur.Actor{UserID: o.User}
}

// open loads the config and builds the application around it.
func (o *RootOptions) open() (*app, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", o.ConfigPath, err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	return openApp(cfg)
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
