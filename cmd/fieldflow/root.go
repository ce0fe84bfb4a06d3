package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davicafu/fieldflow/internal/config"
	"github.com/davicafu/fieldflow/pkg/logger"
)

// RootOptions son los flags globales y lo que PersistentPreRunE deja cargado
// para los subcomandos.
type RootOptions struct {
	ConfigPath string
	LogLevel   string

	cfg *config.Config
	log *zap.Logger
}

// NewRootCommand crea el comando raíz de fieldflow.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "fieldflow",
		Short:         "Asynchronous computed-field propagation engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.ConfigPath != "" {
				if err := os.Setenv("FIELDFLOW_CONFIG", opts.ConfigPath); err != nil {
					return err
				}
			}

			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.LogLevel != "" {
				cfg.LogLevel = opts.LogLevel
			}

			logger.Init(cfg.LogLevel)
			opts.cfg = cfg
			opts.log = logger.Logger()
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file (overrides FIELDFLOW_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRunOnceCommand(opts))
	cmd.AddCommand(NewExplainCommand(opts))

	return cmd
}
