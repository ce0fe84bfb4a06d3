package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRunOnceCommand ejecuta una única pasada del worker y escribe el resumen
// en stdout. Útil desde cron o para drenar la cola a mano.
func NewRunOnceCommand(root *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Claim and process one batch of outbox tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if limit <= 0 {
				limit = root.cfg.BatchLimit
			}

			a, err := buildApp(ctx, root.cfg, root.log)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.operator.RunNow(ctx, limit)
			if err != nil {
				return err
			}
			root.log.Info("✅ Pasada completada",
				zap.Int("claimed", summary.Claimed),
				zap.Int("done", summary.Done),
				zap.Int("retried", summary.Retried),
				zap.Int("dead_lettered", summary.DeadLettered))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "max tasks to claim (defaults to the configured batch limit)")
	return cmd
}
