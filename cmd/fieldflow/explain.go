package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	explainDomain "github.com/davicafu/fieldflow/internal/explain/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
)

// NewExplainCommand describe el plan de un cambio o de una tarea encolada sin
// escribir nada.
func NewExplainCommand(root *RootOptions) *cobra.Command {
	var (
		seedJSON string
		taskID   string
		noSQL    bool
		noGraph  bool
		noLocks  bool
		analyze  bool
	)

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Describe the recompute plan for a change or a queued task",
		Example: `  fieldflow explain --seed '{"baseId":"b1","tableId":"orders","changeType":"recordUpdate","recordIds":["o1"],"fieldIds":["amount"]}'
  fieldflow explain --task 3f1c... --analyze`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (seedJSON == "") == (taskID == "") {
				return errors.New("exactly one of --seed or --task is required")
			}

			opts := explainDomain.Options{
				Analyze:      analyze,
				IncludeSQL:   !noSQL,
				IncludeGraph: !noGraph,
				IncludeLocks: !noLocks,
			}

			ctx := cmd.Context()
			a, err := buildApp(ctx, root.cfg, root.log)
			if err != nil {
				return err
			}
			defer a.Close()

			var result *explainDomain.ExplainResult
			if seedJSON != "" {
				var seed plannerDomain.ChangeSeed
				if err := json.Unmarshal([]byte(seedJSON), &seed); err != nil {
					return fmt.Errorf("invalid --seed: %w", err)
				}
				result, err = a.explain.ExplainSeed(ctx, seed, opts)
			} else {
				id, parseErr := uuid.Parse(taskID)
				if parseErr != nil {
					return fmt.Errorf("invalid --task: %w", parseErr)
				}
				result, err = a.explain.ExplainTask(ctx, id, opts)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&seedJSON, "seed", "", "change seed as JSON")
	cmd.Flags().StringVar(&taskID, "task", "", "id of a queued outbox task")
	cmd.Flags().BoolVar(&analyze, "analyze", false, "execute the plan inside a rolled-back transaction")
	cmd.Flags().BoolVar(&noSQL, "no-sql", false, "omit the rendered SQL operations")
	cmd.Flags().BoolVar(&noGraph, "no-graph", false, "omit the dependency edges")
	cmd.Flags().BoolVar(&noLocks, "no-locks", false, "omit the lock scopes")
	return cmd
}
