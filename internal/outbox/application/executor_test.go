package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerApp "github.com/davicafu/fieldflow/internal/planner/application"
)

func TestExecute_FormulaDataErrorsAreTracedAndLogged(t *testing.T) {
	// ARRANGE: o1.amount no es numérico
	f := newFixture(t, 3)
	f.records.Put("orders", "o1", map[string]any{"amount": "abc"})
	core, logs := observer.New(zapcore.DebugLevel)
	planner := plannerApp.NewPlanner(plannerApp.Limits{MaxRecordsPerStep: 5000, MaxPlanRecords: 50000}, zap.NewNop())
	executor := NewExecutor(f.graphs, planner, f.records, zap.New(core))
	task := domain.NewTask(amountUpdate("o1"), "hash", 1, 3, f.now)

	// ACT
	trace, err := executor.Execute(context.Background(), task, []string{"o1"})

	// ASSERT: el paso sigue adelante, pero el fallo queda a la vista
	require.NoError(t, err)
	require.Len(t, trace.Steps, 2)
	assert.Equal(t, 1, trace.Steps[0].DataErrors)
	assert.Contains(t, trace.Steps[0].FirstDataError, "o1")
	assert.Zero(t, trace.Steps[1].DataErrors)
	assert.Nil(t, f.records.Value("orders", "o1", "total"))

	steps := trace.Data()["steps"].([]any)
	assert.Equal(t, 1, steps[0].(map[string]any)["dataErrors"])
	assert.NotContains(t, steps[1].(map[string]any), "dataErrors")

	entries := logs.FilterMessage("🧮 Fórmula sin valor para algunos registros").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, task.ID.String(), entries[0].ContextMap()["task_id"])
	assert.Equal(t, "orders.total", entries[0].ContextMap()["step"])
	assert.Contains(t, entries[0].ContextMap()["first_error"], "o1")
}
